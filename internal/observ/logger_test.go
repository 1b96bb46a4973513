package observ

import "testing"

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		level string
	}{
		{"production json", "production", "info"},
		{"development console", "development", "debug"},
		{"bad level falls back to info", "production", "noisy"},
		{"empty env is development", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.env, tt.level)
			if err != nil {
				t.Fatalf("NewLogger(%q, %q) error = %v", tt.env, tt.level, err)
			}
			if logger == nil {
				t.Fatal("nil logger")
			}
			logger.Debug("construction check")
		})
	}
}
