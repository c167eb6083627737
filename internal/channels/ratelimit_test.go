package channels

import (
	"context"
	"strconv"
	"testing"
	"time"
)

// TestLimitersBurst verifies the burst drains and then sends are
// refused until tokens refill.
func TestLimitersBurst(t *testing.T) {
	l := NewLimiters(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("chat-1") {
			t.Fatalf("send %d refused inside burst", i+1)
		}
	}
	if l.Allow("chat-1") {
		t.Error("send allowed after burst drained")
	}
}

// TestLimitersPerChat verifies chats do not share a bucket.
func TestLimitersPerChat(t *testing.T) {
	l := NewLimiters(1, 1)

	if !l.Allow("chat-1") {
		t.Fatal("first send on chat-1 refused")
	}
	if l.Allow("chat-1") {
		t.Error("second send on chat-1 allowed")
	}
	if !l.Allow("chat-2") {
		t.Error("chat-2 throttled by chat-1's bucket")
	}
}

// TestLimitersWaitHonoursContext verifies Wait gives up when the
// context expires before a token frees up.
func TestLimitersWaitHonoursContext(t *testing.T) {
	l := NewLimiters(1, 1)
	if !l.Allow("chat-1") {
		t.Fatal("burst token missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "chat-1"); err == nil {
		t.Error("Wait returned nil with an exhausted bucket and expired context")
	}
}

// TestLimitersEviction verifies the registry stays bounded when chat
// ids churn.
func TestLimitersEviction(t *testing.T) {
	l := NewLimiters(1, 1)
	for i := 0; i < maxTrackedChats+10; i++ {
		l.Allow("chat-" + strconv.Itoa(i))
	}

	l.mu.Lock()
	n := len(l.chats)
	l.mu.Unlock()
	if n > maxTrackedChats {
		t.Errorf("registry grew to %d entries, cap is %d", n, maxTrackedChats)
	}
}
