// Package channels bridges chat platforms to the queue. Each adapter
// ingests platform messages as queue rows and polls the store for
// pending responses to deliver back.
package channels

import (
	"context"
	"strings"
)

// Adapter is one platform bridge. Run blocks until ctx is cancelled or
// the platform connection fails beyond recovery; transient errors are
// the adapter's own problem.
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
}

// Allowlist filters inbound senders. Entries may be plain ids,
// usernames (with or without a leading "@"), or the compound
// "id|username" form the Telegram adapter produces. Empty list allows
// everyone.
type Allowlist []string

// Allows reports whether the sender may talk to the daemon.
func (a Allowlist) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, entry := range a {
		trimmed := strings.TrimPrefix(entry, "@")
		if senderID == entry || senderID == trimmed ||
			idPart == entry || idPart == trimmed {
			return true
		}
		if userPart != "" && (userPart == entry || userPart == trimmed) {
			return true
		}
	}
	return false
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
