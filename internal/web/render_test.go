package web

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRenderPages(t *testing.T) {
	for _, name := range []string{"notfound", "down", "timeout", "ratelimited", "dashboard"} {
		var buf bytes.Buffer
		if err := Render(&buf, name, map[string]any{"Name": "demo", "Timeout": "30s"}); err != nil {
			t.Fatalf("render %s: %v", name, err)
		}
		out := buf.String()
		if !strings.Contains(out, "<html") || !strings.Contains(out, "</html>") {
			t.Errorf("%s: missing layout", name)
		}
	}
}

func TestRenderUnknownFallsBackToBase(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "nope", nil); err != nil {
		t.Fatalf("fallback render: %v", err)
	}
	if !strings.Contains(buf.String(), "Something went wrong") {
		t.Errorf("unexpected fallback body %q", buf.String())
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "notfound", PageData{Name: "<script>"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if strings.Contains(body, "<script>") || !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("name must be escaped: %q", body)
	}
}
