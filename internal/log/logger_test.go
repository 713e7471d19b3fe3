package log

import (
	"testing"

	"perp-gateway/internal/config"
)

func TestNewLogger_BuildsForBothEncodings(t *testing.T) {
	for _, encoding := range []string{"console", "json"} {
		logger, err := NewLogger(config.LoggingConfig{
			Level:    "debug",
			Encoding: encoding,
		})
		if err != nil {
			t.Fatalf("NewLogger(%s) returned error: %v", encoding, err)
		}
		logger.Debug("logger smoke check")
		_ = logger.Sync()
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"}); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
