package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedChats caps the limiter map so rotating chat ids cannot
// grow it without bound.
const maxTrackedChats = 4096

// Limiters hands out one token bucket per chat so a chatty agent
// cannot trip platform flood control. Safe for concurrent use.
type Limiters struct {
	mu    sync.Mutex
	chats map[string]*rate.Limiter
	rate  rate.Limit
	burst int
}

// NewLimiters creates a per-chat limiter registry. The defaults used
// by the adapters are 1 msg/s with burst 3.
func NewLimiters(r rate.Limit, burst int) *Limiters {
	return &Limiters{
		chats: make(map[string]*rate.Limiter),
		rate:  r,
		burst: burst,
	}
}

// Wait blocks until the chat may send again or ctx is cancelled.
func (l *Limiters) Wait(ctx context.Context, chatID string) error {
	return l.get(chatID).Wait(ctx)
}

// Allow reports whether the chat may send right now, consuming a token
// when it may.
func (l *Limiters) Allow(chatID string) bool {
	return l.get(chatID).Allow()
}

func (l *Limiters) get(chatID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.chats[chatID]; ok {
		return lim
	}
	if len(l.chats) >= maxTrackedChats {
		for k := range l.chats {
			delete(l.chats, k)
			break
		}
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	l.chats[chatID] = lim
	return lim
}
