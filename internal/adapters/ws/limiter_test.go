package ws

import (
	"testing"
	"time"
)

func TestLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewMessageRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("fourth attempt should be blocked")
	}
	if !rl.Allow("u2") {
		t.Error("limits are per participant")
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	rl := NewMessageRateLimiter(1, 10*time.Millisecond)
	if !rl.Allow("u1") {
		t.Fatal("first attempt should pass")
	}
	if rl.Allow("u1") {
		t.Fatal("second immediate attempt should be blocked")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Error("attempt after the window should pass again")
	}
}

func TestLimiterForget(t *testing.T) {
	rl := NewMessageRateLimiter(1, time.Minute)
	rl.Allow("u1")
	rl.Forget("u1")
	if !rl.Allow("u1") {
		t.Error("forget should reset the participant's window")
	}
}

func TestLimiterDisabled(t *testing.T) {
	rl := NewMessageRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !rl.Allow("u1") {
			t.Fatal("limit <= 0 disables rate limiting")
		}
	}
}
