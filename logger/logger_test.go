package logger

import "testing"

func TestLoggerIsNeverNilBeforeInitialize(t *testing.T) {
	// The package-level no-op logger must absorb calls made before Initialize.
	if Logger == nil {
		t.Fatal("Logger is nil before Initialize()")
	}
	Infow("pre-initialize message", "key", "value")
	Errorw("pre-initialize error", "key", "value")
}

func TestInitializeJSON(t *testing.T) {
	if err := Initialize(true); err != nil {
		t.Fatalf("Initialize(true) error: %v", err)
	}
	if !JSONOutput {
		t.Error("JSONOutput = false after Initialize(true)")
	}
	Cleanup()
}

func TestInitializeConsole(t *testing.T) {
	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize(false) error: %v", err)
	}
	if JSONOutput {
		t.Error("JSONOutput = true after Initialize(false)")
	}
	Cleanup()
}
