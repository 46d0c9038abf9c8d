package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLog(t *testing.T) {
	// Just verify it doesn't panic
	Log(Defaults())
}

func logged(s *Settings) string {
	var buf bytes.Buffer
	LogWithLogger(s, slog.New(slog.NewTextHandler(&buf, nil)))
	return buf.String()
}

func TestLogWithLogger_StdioTransport(t *testing.T) {
	output := logged(Defaults())

	if !strings.Contains(output, "transport") {
		t.Error("Expected 'transport' in log output")
	}
	// stdio transport should not log host/port
	if strings.Contains(output, "Config: host") {
		t.Error("Expected no 'host' in log output for stdio transport")
	}
	if !strings.Contains(output, "(memory)") {
		t.Error("Expected in-memory index in log output")
	}
	if !strings.Contains(output, "isolation=read_committed") {
		t.Errorf("Expected isolation in log output, got: %s", output)
	}
}

func TestLogWithLogger_SSETransport(t *testing.T) {
	s := Defaults()
	s.Transport = TransportSSE
	s.Host = "localhost"
	s.Index.Dir = "/var/lib/osem"

	output := logged(s)
	if !strings.Contains(output, "Config: host") || !strings.Contains(output, "localhost") {
		t.Errorf("Expected host in log output, got: %s", output)
	}
	if !strings.Contains(output, "/var/lib/osem") {
		t.Errorf("Expected index dir in log output, got: %s", output)
	}
}

func TestLogWithLogger_BasicAuth(t *testing.T) {
	s := Defaults()
	s.Transport = TransportSSE
	s.Auth = AuthSettings{Type: AuthTypeBasic, Basic: BasicAuthSettings{Username: "admin", Password: "secret"}}

	output := logged(s)
	if !strings.Contains(output, "admin") {
		t.Error("Expected username in log output")
	}
	if strings.Contains(output, "secret") {
		t.Error("Password must not be logged")
	}
}

func TestLogWithLogger_APIKeyAuth(t *testing.T) {
	s := Defaults()
	s.Transport = TransportSSE
	s.Auth = AuthSettings{Type: AuthTypeAPIKey, APIKeys: []string{"key-one", "key-two"}}

	output := logged(s)
	if !strings.Contains(output, "count=2") {
		t.Errorf("Expected key count in log output, got: %s", output)
	}
	if strings.Contains(output, "key-one") {
		t.Error("API keys must not be logged")
	}
}

func TestSettings_Level(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for name, want := range tests {
		s := &Settings{LogLevel: name}
		if got := s.Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSettingsLogValue(t *testing.T) {
	s := Defaults()
	s.Auth = AuthSettings{Type: AuthTypeAPIKey, APIKeys: []string{"top-secret"}}

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("settings", "settings", SettingsLogValue(*s))
	output := buf.String()

	if strings.Contains(output, "top-secret") {
		t.Error("API keys must be masked")
	}
	if !strings.Contains(output, "****") {
		t.Error("Expected masked API key")
	}
	if !strings.Contains(output, "settings.index.max_parallel_commits=4") {
		t.Errorf("Expected nested index group, got: %s", output)
	}
}
