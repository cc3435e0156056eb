package types

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 identifier for ledger entries, steps and journeys.
// Time-ordered IDs keep ledger inserts clustered and make id order a usable
// tie-break after created_at. Panics on clock regression (uuid.Must).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseID validates a UUID string.
// Rejects malformed UUIDs to prevent invalid IDs from entering the ledger.
func ParseID(s string) (string, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return s, nil
}

// IDTime extracts the timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func IDTime(id string) time.Time {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
