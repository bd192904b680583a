package db

import "time"

// nilIfZeroTime converts the Go zero time to a SQL NULL.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
