package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, nil))

	log := Component("engine")
	log.Info("sweep finished", "migrated", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["msg"] != "sweep finished" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["migrated"] != float64(3) {
		t.Errorf("migrated = %v", entry["migrated"])
	}
}

func TestComponentWithoutInit(t *testing.T) {
	Logger = nil
	log := Component("index")
	if log == nil {
		t.Fatal("Component must self-initialize")
	}
	log.Debug("suppressed at the default level")
}
