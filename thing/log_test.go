package thing

import (
	"testing"

	"github.com/wrlabs/devicecloud/status"
)

func TestSetLogLevel(t *testing.T) {
	c, _ := newTestClient(t)
	for _, tc := range []struct {
		level string
		want  string
	}{
		{"CRITICAL", "CRITICAL"},
		{"error", "ERROR"},
		{"Warning", "WARNING"},
		{"INFO", "INFO"},
		{"DEBUG", "DEBUG"},
		{"ALL", "DEBUG"},
	} {
		if err := c.SetLogLevel(tc.level); err != nil {
			t.Fatalf("SetLogLevel(%q): %v", tc.level, err)
		}
		if got := c.LogLevel(); got != tc.want {
			t.Errorf("LogLevel after %q = %q, want %q", tc.level, got, tc.want)
		}
	}

	if err := c.SetLogLevel("CHATTY"); status.Code(err) != status.BadParameter {
		t.Errorf("unknown level: %v", err)
	}
	if got := c.LogLevel(); got != "DEBUG" {
		t.Errorf("unknown level must fall back to DEBUG, got %q", got)
	}
}
