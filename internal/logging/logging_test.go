package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetup_JSONComponentField(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", Format: "json", Output: &buf})

	l := For("breaker")
	l.Info().Str(EVENT, "state_change").Str(DEPENDENCY, "search").Msg("transition")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if entry[COMPONENT] != "breaker" {
		t.Errorf("component = %v, want breaker", entry[COMPONENT])
	}
	if entry[DEPENDENCY] != "search" {
		t.Errorf("dependency = %v, want search", entry[DEPENDENCY])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "warn", Format: "json", Output: &buf})

	l := For("cache")
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line should be filtered at warn level, got %q", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("warn line should be written")
	}
}

func TestSetup_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "verbose", Format: "json", Output: &buf})

	l := For("x")
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Errorf("expected exactly one line, got %q", buf.String())
	}
}
