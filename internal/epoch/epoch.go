// Package epoch mints assignment-generation identifiers. An epoch id is
// opaque to consumers except for equality and recency ordering.
package epoch

import "github.com/google/uuid"

// NewID returns a globally unique, time-ordered id. Called exactly once per
// assign or reassign.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4,
		// which keeps uniqueness at the cost of ordering.
		return uuid.New().String()
	}
	return id.String()
}

// Newer reports whether a was minted after b. V7 ids order lexically.
func Newer(a, b string) bool {
	return a > b
}
