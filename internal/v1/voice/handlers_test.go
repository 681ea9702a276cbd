package voice

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Store, *clocktesting.FakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := clocktesting.NewFakeClock(time.Now())
	store := NewStore(fake)
	h := NewHandlers(store)

	r := gin.New()
	api := r.Group("/api")
	api.POST("/voice-sessions", h.CreateSession)
	api.GET("/voice-sessions", h.ListSessions)
	api.POST("/voice-sessions/:id/trigger", h.TriggerSession)
	api.POST("/voice-sessions/response", h.AgentResponse)
	api.GET("/voice-sessions/:id", h.GetSession)
	api.DELETE("/voice-sessions/:id", h.DeleteSession)
	api.POST("/llm/chat", h.Chat)
	return r, store, fake
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

func chatBody(content string) gin.H {
	return gin.H{"messages": []gin.H{{"role": "user", "content": content}}}
}

func TestCreateSessionHandler(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/voice-sessions", gin.H{
		"atem_id": "atem-1", "channel": "chan-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID string `json:"session_id"`
		AtemID    string `json:"atem_id"`
		Channel   string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "atem-1", resp.AtemID)
	assert.Equal(t, "chan-1", resp.Channel)

	w = doJSON(t, r, http.MethodPost, "/api/voice-sessions", gin.H{"atem_id": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerHandler(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")
	store.AddTranscription("s1", "Hello")
	store.AddTranscription("s1", "world")

	w := doJSON(t, r, http.MethodPost, "/api/voice-sessions/s1/trigger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID       string `json:"session_id"`
		AccumulatedText string `json:"accumulated_text"`
		AtemID          string `json:"atem_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Hello world", resp.AccumulatedText)
	assert.Equal(t, "atem-1", resp.AtemID)

	state, _ := store.GetState("s1")
	assert.Equal(t, StateTriggered, state)

	w = doJSON(t, r, http.MethodPost, "/api/voice-sessions/missing/trigger", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentResponseHandler(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")

	w := doJSON(t, r, http.MethodPost, "/api/voice-sessions/response", gin.H{
		"session_id": "s1", "response": "Here you go",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	sess, _ := store.Get("s1")
	assert.Equal(t, StateResponseReady, sess.State)

	w = doJSON(t, r, http.MethodPost, "/api/voice-sessions/response", gin.H{
		"session_id": "missing", "response": "x",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAndListAndDeleteHandlers(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")
	store.AddTranscription("s1", "hi")

	w := doJSON(t, r, http.MethodGet, "/api/voice-sessions/s1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"buffer_size":1`)
	assert.Contains(t, w.Body.String(), `"state":"accumulating"`)

	w = doJSON(t, r, http.MethodGet, "/api/voice-sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(t, r, http.MethodDelete, "/api/voice-sessions/s1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/voice-sessions/s1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatRequiresSessionHeader(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("hi"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatUnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("hi"),
		map[string]string{"X-Voice-Session-ID": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatAccumulatingReturnsEmptyEnvelope(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("First chunk"),
		map[string]string{"X-Voice-Session-ID": "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.ID, "chatcmpl-")
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "station-voice-proxy", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Empty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	// The message was buffered even though the reply is empty.
	sess, _ := store.Get("s1")
	assert.Equal(t, "First chunk", sess.AccumulatedText())
	assert.Equal(t, uint32(1), sess.RequestCount)
	assert.Equal(t, StateAccumulating, sess.State)
}

func TestChatSessionIDHeaderFallback(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("hi"),
		map[string]string{"X-Session-ID": "s1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatTriggeredBlocksUntilResponse(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")
	store.Trigger("s1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.SetResponse("s1", "Here is the implementation")
	}()

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("go"),
		map[string]string{"X-Voice-Session-ID": "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Here is the implementation", resp.Choices[0].Message.Content)
}

func TestChatTriggeredTimesOut(t *testing.T) {
	r, store, fake := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")
	store.Trigger("s1")

	// Advance the fake clock past the rendezvous window once the
	// handler has armed its timer.
	go func() {
		for !fake.HasWaiters() {
			time.Sleep(5 * time.Millisecond)
		}
		fake.Step(rendezvousTimeout + time.Second)
	}()

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("go"),
		map[string]string{"X-Voice-Session-ID": "s1"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	// The session survives the timeout.
	_, ok := store.Get("s1")
	assert.True(t, ok)
}

func TestChatResponseReadyConsumesSession(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.Create("s1", "atem-1", "chan")
	store.SetResponse("s1", "cached answer")

	w := doJSON(t, r, http.MethodPost, "/api/llm/chat", chatBody("final"),
		map[string]string{"X-Voice-Session-ID": "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cached answer", resp.Choices[0].Message.Content)

	_, ok := store.Get("s1")
	assert.False(t, ok, "session should be deleted after delivering the cached response")
}
