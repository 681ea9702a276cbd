// Package web renders the embedded HTML fallback pages: the auth approval
// page shown when the desktop deep link is unavailable, and the pairing
// landing page reached from a shared code.
package web

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// AuthPageData populates the auth approval fallback page.
type AuthPageData struct {
	SessionID string
	Tag       string
	OTP       string
	Hostname  string
}

// PairPageData populates the pairing landing page.
type PairPageData struct {
	Code     string
	Hostname string
}

// RenderAuthPage renders the auth approval page for a pending session.
func RenderAuthPage(data AuthPageData) (string, error) {
	return render("auth.html", data)
}

// RenderPairPage renders the pairing landing page for an active room.
func RenderPairPage(data PairPageData) (string, error) {
	return render("pair.html", data)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// NotFoundSessionHTML is served when /auth references an unknown session.
const NotFoundSessionHTML = "<h1>Session not found</h1><p>The requested session does not exist or has been removed.</p>"

// NotFoundPairHTML is served when /pair references an unknown code.
const NotFoundPairHTML = "<h1>Pairing code not found</h1><p>The code may have expired.</p>"
