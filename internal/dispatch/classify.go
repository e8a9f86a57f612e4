package dispatch

import (
	"errors"
	"strings"
	"time"

	"SignalDesk/internal/notifier"
)

// Failure classifies a failed send.
type Failure int

const (
	FailureNone Failure = iota
	FailureRateLimited
	FailureBlocked
	FailurePeerUnresolvable
	FailureTransient
	FailurePermanent
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureRateLimited:
		return "rate_limited"
	case FailureBlocked:
		return "blocked"
	case FailurePeerUnresolvable:
		return "peer_unresolvable"
	case FailureTransient:
		return "transient"
	}
	return "permanent"
}

// PeerIDInvalid is the platform's description for a recipient it cannot route to yet.
const PeerIDInvalid = "PEER_ID_INVALID"

// Classify maps a send error to a failure class. retryAfter is set for rate limits.
// Anything that is not a platform answer (timeouts, connection errors) is transient.
func Classify(err error) (f Failure, retryAfter time.Duration) {
	if err == nil {
		return FailureNone, 0
	}
	var apiErr *notifier.APIError
	if !errors.As(err, &apiErr) {
		return FailureTransient, 0
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case apiErr.Code == 429 || apiErr.RetryAfter > 0:
		return FailureRateLimited, time.Duration(apiErr.RetryAfter) * time.Second
	case apiErr.Code == 403 && (strings.Contains(desc, "blocked") || strings.Contains(desc, "deactivated")):
		return FailureBlocked, 0
	case strings.Contains(desc, strings.ToLower(PeerIDInvalid)),
		strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "user not found"),
		apiErr.Code == 403 && strings.Contains(desc, "can't initiate conversation"):
		return FailurePeerUnresolvable, 0
	case apiErr.Code >= 500:
		return FailureTransient, 0
	}
	return FailurePermanent, 0
}

// IsPeerIDInvalid reports whether err is the stale-peer error specifically.
func IsPeerIDInvalid(err error) bool {
	var apiErr *notifier.APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Description, PeerIDInvalid)
}
