package db

import (
	"strings"
	"time"
)

// isRetryableErr identifies transient SQLite lock errors surfaced as plain
// strings by modernc.org/sqlite.
func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "sqlite_busy") ||
		strings.Contains(s, "busy") ||
		strings.Contains(s, "locked")
}

// withRetry retries fn a few times with a short linear backoff when it
// fails with a transient lock error. The pool is capped at one connection
// (see Open), so brief WAL-checkpoint contention is the only expected
// source of these errors.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isRetryableErr(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}
