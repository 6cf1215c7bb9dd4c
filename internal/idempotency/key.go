package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"example.com/beacon/internal/domain"
)

type KeySource string

const (
	KeyFromEventID KeySource = "event_id"
	// KeyNone means the event is stored without de-duplication.
	KeyNone KeySource = "none"
)

// DeriveKey returns the de-duplication key for an event sent by one
// installation, and the source used.
//   - An explicit event id yields a hex-encoded SHA-256 of
//     (identify id, event id), so a batch re-sent after a lost response
//     maps to the same keys.
//   - Without one there is no key. Two events with equal content are
//     distinct events and are both stored.
func DeriveKey(identifyID string, ev domain.Event) (key string, src KeySource) {
	id := ev.ClientEventID()
	if id == "" {
		return "", KeyNone
	}
	sum := sha256.Sum256([]byte(identifyID + "|" + id))
	return hex.EncodeToString(sum[:]), KeyFromEventID
}
