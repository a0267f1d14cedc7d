package execution

import "time"

// SetBookClock replaces the book's clock in tests.
func SetBookClock(b *Book, now func() time.Time) {
	b.now = now
}
