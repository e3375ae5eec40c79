package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/markolofsen/unrealon-sdk/internal/config"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

func TestLimiterPageDelay(t *testing.T) {
	cfg := config.Config{}
	if _, _, err := telemetry.InitTelemetry(context.Background(), &cfg); err != nil {
		t.Fatalf("failed to init telemetry: %v", err)
	}

	// 10 pages per second = 1 token every 100ms, burst 1.
	l := New(Config{
		PagesPerSecond: 10,
		Burst:          1,
		Session:        "books",
	})

	// First reservation consumes the initial token immediately.
	if d := l.PageDelay(); d > 10*time.Millisecond {
		t.Errorf("expected first delay ~0, got %v", d)
	}

	// The bucket is empty, so the next token is ~100ms out.
	d := l.PageDelay()
	if d < 80*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("expected delay ~100ms, got %v", d)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(Config{PagesPerSecond: 0})

	for i := 0; i < 5; i++ {
		if d := l.PageDelay(); d != 0 {
			t.Fatalf("expected no delay with pacing disabled, got %v", d)
		}
	}
}

func TestLimiterBurst(t *testing.T) {
	// Burst 3 allows three immediate pages before pacing kicks in.
	l := New(Config{PagesPerSecond: 1, Burst: 3, Session: "books"})

	for i := 0; i < 3; i++ {
		if d := l.PageDelay(); d > 10*time.Millisecond {
			t.Fatalf("expected page %d within burst to be immediate, got %v", i+1, d)
		}
	}
	if d := l.PageDelay(); d < 500*time.Millisecond {
		t.Fatalf("expected pacing after burst, got %v", d)
	}
}
