package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/astation/relay/internal/v1/config"
	"github.com/astation/relay/internal/v1/otp"
	"github.com/astation/relay/internal/v1/pairing"
	"github.com/astation/relay/internal/v1/ratelimit"
	"github.com/astation/relay/internal/v1/rtc"
	"github.com/astation/relay/internal/v1/voice"
)

func newTestRouter(t *testing.T) (*gin.Engine, *clocktesting.FakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := clocktesting.NewFakeClock(time.Now())
	cfg := &config.Config{
		Port:           "3000",
		CorsOrigin:     "*",
		RateLimitAPI:   "600-M",
		RateLimitGrant: "60-M",
	}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	r := NewRouter(Deps{
		Cfg:         cfg,
		OTP:         otp.NewStore(fake),
		RTC:         rtc.NewStore(fake),
		Voice:       voice.NewStore(fake),
		Pairing:     pairing.NewHub(fake),
		RateLimiter: rl,
	})
	return r, fake
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestAuthHandshakeEndToEnd(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sessions", gin.H{"hostname": "dev-box"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		ID  string `json:"id"`
		OTP string `json:"otp"`
	}
	decode(t, w, &created)
	require.Len(t, created.OTP, 8)

	// Pending status carries no token.
	w = doJSON(t, r, http.MethodGet, "/api/sessions/"+created.ID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "token")

	// Wrong OTP is rejected.
	w = doJSON(t, r, http.MethodPost, "/api/sessions/"+created.ID+"/grant", gin.H{"otp": "00000000"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct OTP grants and returns the token.
	w = doJSON(t, r, http.MethodPost, "/api/sessions/"+created.ID+"/grant", gin.H{"otp": created.OTP}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var granted struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	decode(t, w, &granted)
	assert.Equal(t, "granted", granted.Status)
	assert.Len(t, granted.Token, 64)

	// A second grant conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/sessions/"+created.ID+"/grant", gin.H{"otp": created.OTP}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Status now exposes the same token.
	w = doJSON(t, r, http.MethodGet, "/api/sessions/"+created.ID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), granted.Token)
}

func TestRTCJoinBurstRespectsCap(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/rtc-sessions", gin.H{
		"app_id": "app", "channel": "chan", "token": "tok", "host_uid": 7,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	decode(t, w, &created)

	const joiners = 10
	var wg sync.WaitGroup
	codes := make(chan int, joiners)
	uids := make(chan uint32, joiners)

	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doJSON(t, r, http.MethodPost, "/api/rtc-sessions/"+created.ID+"/join", gin.H{"name": "u"}, nil)
			codes <- w.Code
			if w.Code == http.StatusOK {
				var info struct {
					UID uint32 `json:"uid"`
				}
				if json.Unmarshal(w.Body.Bytes(), &info) == nil {
					uids <- info.UID
				}
			}
		}()
	}
	wg.Wait()
	close(codes)
	close(uids)

	var ok, conflict int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	assert.Equal(t, rtc.MaxParticipants, ok)
	assert.Equal(t, joiners-rtc.MaxParticipants, conflict)

	seen := make(map[uint32]bool)
	for uid := range uids {
		assert.GreaterOrEqual(t, uid, uint32(1000))
		assert.Less(t, uid, uint32(1000+rtc.MaxParticipants))
		assert.False(t, seen[uid], "uid %d allocated twice", uid)
		seen[uid] = true
	}
}

func TestPairRelayEndToEnd(t *testing.T) {
	r, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/pair", "application/json",
		strings.NewReader(`{"hostname":"e2e-host"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	host, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws?role=host&code="+created.Code, nil)
	require.NoError(t, err)
	defer host.Close()
	client, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws?role=client&code="+created.Code, nil)
	require.NoError(t, err)
	defer client.Close()

	// Status reflects the paired client.
	statusResp, err := http.Get(srv.URL + "/api/pair/" + created.Code)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var status struct {
		Paired bool `json:"paired"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.True(t, status.Paired)

	require.NoError(t, host.WriteMessage(websocket.TextMessage, []byte("ping")))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
}

func TestVoiceRendezvousEndToEnd(t *testing.T) {
	r, fake := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/voice-sessions", gin.H{
		"atem_id": "atem-1", "channel": "chan-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	decode(t, w, &created)
	headers := map[string]string{"X-Voice-Session-ID": created.SessionID}

	// Accumulating: empty completion, chunk buffered.
	w = doJSON(t, r, http.MethodPost, "/api/llm/chat",
		gin.H{"messages": []gin.H{{"role": "user", "content": "write a test"}}}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content":""`)

	// Trigger returns the buffered text.
	w = doJSON(t, r, http.MethodPost, "/api/voice-sessions/"+created.SessionID+"/trigger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "write a test")

	// A blocked chat request is woken by the agent response.
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, r, http.MethodPost, "/api/llm/chat",
			gin.H{"messages": []gin.H{{"role": "user", "content": ""}}}, headers)
	}()

	// The blocked request has registered its rendezvous timer once the
	// fake clock has a waiter.
	for !fake.HasWaiters() {
		time.Sleep(5 * time.Millisecond)
	}
	w = doJSON(t, r, http.MethodPost, "/api/voice-sessions/response", gin.H{
		"session_id": created.SessionID, "response": "func TestIt(t *testing.T) {}",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case blocked := <-done:
		require.Equal(t, http.StatusOK, blocked.Code)
		assert.Contains(t, blocked.Body.String(), "func TestIt")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked chat request never completed")
	}

	// The cached response is consumed one-shot by the next request.
	w = doJSON(t, r, http.MethodPost, "/api/llm/chat",
		gin.H{"messages": []gin.H{{"role": "user", "content": ""}}}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "func TestIt")

	w = doJSON(t, r, http.MethodPost, "/api/llm/chat",
		gin.H{"messages": []gin.H{{"role": "user", "content": ""}}}, headers)
	assert.Equal(t, http.StatusNotFound, w.Code, "session is deleted after one-shot delivery")
}

func TestOperationalEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "station_relay")

	w = doJSON(t, r, http.MethodGet, "/auth?id=does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/pair?code=XXXX-XXXX", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
