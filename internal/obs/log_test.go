package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestLogLinesAreJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Info("registry.accept", Fields{"tunnel": "t1", "conn": "c1"})
	Debug("hidden", nil)
	EnableDebug(true)
	Debug("visible", Fields{"n": 3})
	EnableDebug(false)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	var first map[string]any
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if first["msg"] != "registry.accept" || first["tunnel"] != "t1" || first["level"] != "INFO" {
		t.Errorf("unexpected fields: %v", first)
	}
	var second map[string]any
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if second["msg"] != "visible" || second["level"] != "DEBUG" {
		t.Errorf("unexpected fields: %v", second)
	}
}
