package telemetry

import (
	"context"
	"testing"
)

func TestNewBuildsLoggerForEachLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		log, sync, err := New(Config{Level: lvl})
		if err != nil {
			t.Fatalf("New(%q): %v", lvl, err)
		}
		log.Info("hello", "level", lvl)
		_ = sync()
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized level")
	}
}

func TestNewTracerProviderShutsDownCleanly(t *testing.T) {
	ctx := context.Background()
	tp, shutdown, err := NewTracerProvider(ctx, TracingConfig{ServiceName: "forkerd-test"})
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	tr := Tracer(tp, "test")
	_, span := tr.Start(ctx, "unit-test-span")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
