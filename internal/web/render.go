package web

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/matst80/portmux/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template (which can rely on header/footer) to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		// fallback if the page definition is missing
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return nil
}

// PageData is the common payload of the error pages.
type PageData struct{ Name, ID, Timeout, Wait string }

func (p PageData) toMap() map[string]any {
	m := map[string]any{}
	if p.Name != "" {
		m["Name"] = p.Name
	}
	if p.ID != "" {
		m["ID"] = p.ID
	}
	if p.Timeout != "" {
		m["Timeout"] = p.Timeout
	}
	if p.Wait != "" {
		m["Wait"] = p.Wait
	}
	return m
}

// WritePage renders name into a buffer and writes it with status. A render
// failure degrades to the plain status text.
func WritePage(w http.ResponseWriter, status int, name string, data map[string]any) {
	var buf bytes.Buffer
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	if err := Render(&buf, name, data); err != nil {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, http.StatusText(status))
		return
	}
	h.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteError renders one of the error pages.
func WriteError(w http.ResponseWriter, status int, name string, d PageData) {
	WritePage(w, status, name, d.toMap())
}
