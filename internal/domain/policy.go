package domain

import "time"

// Hold TTL policy:
// - new holds default to DefaultHoldTTL
// - any caller-supplied TTL or extension is clamped to [MinHoldTTL, MaxHoldTTL]
//
// Extension semantics: ExtendHold adds the extension to the CURRENT expiry,
// not to now. A host extending a hold that is minutes from its deadline gets
// the full extension on top of it; re-anchoring to now would silently shorten
// long holds.
const (
	DefaultHoldTTL = 30 * time.Minute
	MinHoldTTL     = 5 * time.Minute
	MaxHoldTTL     = 120 * time.Minute

	MaxNoteLength = 500
)

func ClampHoldTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultHoldTTL
	}
	if d < MinHoldTTL {
		return MinHoldTTL
	}
	if d > MaxHoldTTL {
		return MaxHoldTTL
	}
	return d
}

// ValidExtension reports whether an extension request is inside the allowed
// window. Unlike ClampHoldTTL this rejects instead of clamping: an explicit
// out-of-range extension is a caller error, not a default to repair.
func ValidExtension(d time.Duration) bool {
	return d >= MinHoldTTL && d <= MaxHoldTTL
}

// transitions is the authoritative state machine. pending fans out to every
// non-initial state; waitlisted may still be approved (promotion) or
// cancelled; approved/declined/expired/cancelled are terminal.
var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusApproved, StatusDeclined, StatusWaitlisted, StatusCancelled, StatusExpired},
	StatusWaitlisted: {StatusApproved, StatusCancelled},
}

func CanTransition(from, to RequestStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the record's lifecycle.
func Terminal(s RequestStatus) bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}
