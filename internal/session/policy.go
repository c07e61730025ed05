package session

// VisibilityPolicy holds the two user preferences that hide noisy sessions.
// Both default to true.
type VisibilityPolicy struct {
	HideZeroMessages bool
	HideLowMessages  bool // sessions with 2 or fewer messages
}

// DefaultVisibilityPolicy returns the policy used when no preference is stored.
func DefaultVisibilityPolicy() VisibilityPolicy {
	return VisibilityPolicy{HideZeroMessages: true, HideLowMessages: true}
}

// MinMessages collapses the policy into a single message-count threshold.
// Every list and analytics query uses this value; nothing else interprets the flags.
func (p VisibilityPolicy) MinMessages() int {
	switch {
	case p.HideLowMessages:
		return 3
	case p.HideZeroMessages:
		return 1
	default:
		return 0
	}
}
