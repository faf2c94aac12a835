// Package optin persists the set of users who asked for direct reminders.
package optin

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidUserID is returned for empty or whitespace-only user IDs.
var ErrInvalidUserID = errors.New("optin: invalid user id")

// Registry is the durable opt-in set.
//
// OptIn and OptOut are idempotent; the boolean reports whether the set
// actually changed. List never fails: an unreadable store reads as empty.
type Registry interface {
	OptIn(ctx context.Context, userID string) (bool, error)
	OptOut(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) []string
}

func normalizeID(userID string) (string, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return "", ErrInvalidUserID
	}
	return id, nil
}
