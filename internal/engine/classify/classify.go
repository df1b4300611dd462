// Package classify maps raw delivery failures from the messaging gateway
// into a fixed taxonomy and decides retry behaviour per category.
package classify

import (
	"strings"
	"time"
)

// Category is the failure taxonomy for message sends.
type Category string

const (
	InvalidNumber Category = "INVALID_NUMBER"
	BlockedNumber Category = "BLOCKED_NUMBER"
	Disconnected  Category = "DISCONNECTED"
	Unauthorized  Category = "UNAUTHORIZED"
	RateLimit     Category = "RATE_LIMIT"
	ServerBusy    Category = "SERVER_BUSY"
	Timeout       Category = "TIMEOUT"
	APIError      Category = "API_ERROR"
)

// UnboundedRetries marks a category that retries until the send succeeds
// or the campaign is stopped, with delays capped by the backoff ceiling.
const UnboundedRetries = -1

// Policy defines retry behaviour for a failure category.
type Policy struct {
	Retryable bool
	// MinDelay is the floor applied to the computed backoff delay.
	MinDelay time.Duration
	// MaxRetries bounds the retry sub-loop. 0 means no retries,
	// UnboundedRetries means retry until stopped.
	MaxRetries int
}

var policies = map[Category]Policy{
	InvalidNumber: {Retryable: false},
	BlockedNumber: {Retryable: false},
	Disconnected:  {Retryable: false},
	Unauthorized:  {Retryable: false},
	RateLimit:     {Retryable: true, MinDelay: 60 * time.Second, MaxRetries: UnboundedRetries},
	ServerBusy:    {Retryable: true, MinDelay: 10 * time.Second, MaxRetries: UnboundedRetries},
	Timeout:       {Retryable: true, MinDelay: 2 * time.Second, MaxRetries: 3},
	APIError:      {Retryable: true, MinDelay: 2 * time.Second, MaxRetries: 3},
}

// PolicyFor returns the retry policy for a category.
func PolicyFor(c Category) Policy {
	return policies[c]
}

// Retryable reports whether sends failing with this category may be retried.
func (c Category) Retryable() bool {
	return policies[c].Retryable
}

// PausesChannel reports whether the category indicates the channel itself
// is unusable. The whole campaign pauses instead of burning through the
// remaining contacts.
func (c Category) PausesChannel() bool {
	return c == Disconnected || c == Unauthorized
}

// Categorize maps a raw gateway error into a category. The mapping is a
// deterministic pure function of the error text; match order matters.
func Categorize(err error) Category {
	if err == nil {
		return APIError
	}

	s := strings.ToLower(err.Error())

	switch {
	case contains(s, "not connected", "disconnected", "connection closed", "connection refused", "channel closed"):
		return Disconnected
	case contains(s, "unauthorized", "forbidden", "401", "403", "invalid token", "session expired"):
		return Unauthorized
	case contains(s, "rate limit", "too many requests", "429"):
		return RateLimit
	case contains(s, "server busy", "overloaded", "unavailable", "503"):
		return ServerBusy
	case contains(s, "timeout", "timed out", "deadline exceeded"):
		return Timeout
	case contains(s, "blocked", "blacklist", "opted out", "unsubscribed"):
		return BlockedNumber
	case contains(s, "invalid number", "invalid phone", "not a valid", "unknown recipient", "number does not exist"):
		return InvalidNumber
	default:
		return APIError
	}
}

func contains(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
