package duplex

import (
	"time"
)

// Default restart parameters.
const (
	defaultMaxRestarts       = 5
	defaultRestartBackoff    = 1 * time.Second
	defaultMaxRestartBackoff = 30 * time.Second
)

// RestartPolicy bounds automatic restarts of a worker that ended with an
// error, typically because a capture or playback device went away.
type RestartPolicy struct {
	// MaxRetries is the number of consecutive restarts before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the wait before the first restart. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. A worker that ran longer than MaxBackoff
	// before failing starts a fresh series. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Restarter counts consecutive worker failures and spaces restarts with
// exponential backoff. It is not safe for concurrent use; the supervising
// goroutine owns it.
type Restarter struct {
	policy    RestartPolicy
	failures  int
	startedAt time.Time
}

// NewRestarter creates a [Restarter] with defaults applied to p.
func NewRestarter(p RestartPolicy) *Restarter {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRestarts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultRestartBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxRestartBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Restarter{policy: p}
}

// Started records that a worker was started.
func (r *Restarter) Started() {
	r.startedAt = r.policy.Now()
}

// Next registers a failure and returns the wait before the next restart
// together with the attempt number. ok is false once MaxRetries consecutive
// failures have been registered.
func (r *Restarter) Next() (wait time.Duration, attempt int, ok bool) {
	if !r.startedAt.IsZero() && r.policy.Now().Sub(r.startedAt) > r.policy.MaxBackoff {
		r.failures = 0
	}
	r.failures++
	if r.failures > r.policy.MaxRetries {
		return 0, r.failures, false
	}

	wait = r.policy.Backoff
	for i := 1; i < r.failures; i++ {
		wait *= 2
		if wait >= r.policy.MaxBackoff {
			wait = r.policy.MaxBackoff
			break
		}
	}
	return wait, r.failures, true
}

// MaxRetries returns the effective retry limit.
func (r *Restarter) MaxRetries() int {
	return r.policy.MaxRetries
}
