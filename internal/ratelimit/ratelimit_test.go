package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(3, time.Minute)
	for i := range 3 {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("attempt over budget allowed, want denied")
	}
	// Other sources have their own windows.
	if !l.Allow("5.6.7.8") {
		t.Error("independent source denied")
	}
}

func TestResetClearsWindow(t *testing.T) {
	l := New(2, time.Minute)
	l.Allow("src")
	l.Allow("src")
	if l.Allow("src") {
		t.Fatal("expected denial before reset")
	}
	l.Reset("src")
	if !l.Allow("src") {
		t.Error("expected allow after reset")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(2, 30*time.Millisecond)
	l.Allow("src")
	l.Allow("src")
	if l.Allow("src") {
		t.Fatal("expected denial inside window")
	}
	time.Sleep(40 * time.Millisecond)
	if !l.Allow("src") {
		t.Error("expected allow after window slid")
	}
}

func TestEvictStale(t *testing.T) {
	l := New(5, 20*time.Millisecond)
	l.Allow("old")
	time.Sleep(30 * time.Millisecond)
	l.Allow("fresh")

	if got := l.EvictStale(); got != 1 {
		t.Errorf("EvictStale() = %d, want 1", got)
	}
	if got := l.EvictStale(); got != 0 {
		t.Errorf("second EvictStale() = %d, want 0", got)
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	for i := range 10 {
		if !l.Allow("src") {
			t.Fatalf("attempt %d denied under default budget", i+1)
		}
	}
	if l.Allow("src") {
		t.Error("attempt 11 allowed, want denied at default budget of 10")
	}
}
