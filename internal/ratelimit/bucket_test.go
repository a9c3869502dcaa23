package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsWithinWindow(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.AllowAt("1.2.3.4", now) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.AllowAt("1.2.3.4", now) {
		t.Error("4th request within window should be rejected")
	}
}

func TestLimiterSlidesWindow(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	now := time.Now()

	if !l.AllowAt("1.2.3.4", now) {
		t.Fatal("first request should be allowed")
	}
	if l.AllowAt("1.2.3.4", now.Add(30*time.Second)) {
		t.Error("request inside window should be rejected")
	}
	if !l.AllowAt("1.2.3.4", now.Add(61*time.Second)) {
		t.Error("request after window elapses should be allowed")
	}
}

func TestLimiterIsolatesByIP(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	now := time.Now()

	if !l.AllowAt("1.1.1.1", now) {
		t.Fatal("first IP should be allowed")
	}
	if !l.AllowAt("2.2.2.2", now) {
		t.Fatal("second IP should be allowed independently")
	}
}

func TestSweepRemovesStaleBuckets(t *testing.T) {
	l := NewLimiter(5, time.Second)
	now := time.Now()
	l.AllowAt("1.2.3.4", now)

	removed := l.Sweep(now.Add(l.cleanup + time.Second))
	if removed != 1 {
		t.Errorf("Sweep() removed = %d, want 1", removed)
	}
}
