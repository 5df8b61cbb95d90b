package logger

import (
	"testing"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
		{"unknown level falls back to info", "verbose", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup should not panic
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerMethodsExist(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	// These should not panic
	Log.Info("test info message", "key", "value")
	Log.Debug("test debug message", "key", "value")
	Log.Warn("test warn message", "key", "value")
	Log.Error("test error message", "key", "value")
}

func TestLoggerWithMultipleFields(t *testing.T) {
	if Log == nil {
		Setup("debug", "console")
	}

	Log.Info(
		"multi-field test",
		"string_field", "value",
		"int_field", 42,
		"float_field", 3.14,
		"bool_field", true,
	)
}

func TestLoggerWithOddArgs(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	// Last key without a value is dropped, not a panic.
	Log.Info("odd args", "key1", "value1", "dangling")
}

func TestLoggerWithNonStringKey(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	Log.Info("non-string key", 123, "value")
}

func TestComponent(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	kernel := Log.Component("kernel")
	if kernel == nil {
		t.Fatal("expected component logger")
	}
	if kernel == Log {
		t.Error("component logger must be a distinct instance")
	}
	kernel.Info("component message", "chunk", 0)
}
