package auth

import "time"

const (
	DefaultLockThreshold = 5
	DefaultLockDuration  = 30 * time.Minute
)

// LockState is the slice of a credential the lock policy reads and writes.
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// LockPolicy is a pure state machine from failed attempts to lock windows.
type LockPolicy struct {
	Threshold int
	Duration  time.Duration
}

// NewLockPolicy applies defaults for non-positive values.
func NewLockPolicy(threshold int, duration time.Duration) LockPolicy {
	if threshold <= 0 {
		threshold = DefaultLockThreshold
	}
	if duration <= 0 {
		duration = DefaultLockDuration
	}
	return LockPolicy{Threshold: threshold, Duration: duration}
}

// OnFailure counts one more failure and opens a lock window once the
// threshold is reached.
func (p LockPolicy) OnFailure(state LockState, now time.Time) LockState {
	next := LockState{FailedAttempts: state.FailedAttempts + 1}
	if next.FailedAttempts >= p.Threshold {
		until := now.UTC().Add(p.Duration)
		next.LockedUntil = &until
	}
	return next
}

// OnSuccess clears the counter and any lock.
func (p LockPolicy) OnSuccess(LockState) LockState {
	return LockState{}
}

// IsLocked reports whether a lock window is open at now.
func (p LockPolicy) IsLocked(state LockState, now time.Time) bool {
	return state.LockedUntil != nil && state.LockedUntil.After(now)
}

// AttemptsRemaining is max(0, threshold - failedAttempts).
func (p LockPolicy) AttemptsRemaining(state LockState) int {
	remaining := p.Threshold - state.FailedAttempts
	if remaining < 0 {
		return 0
	}
	return remaining
}
