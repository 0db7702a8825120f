// Package limiter implements per-account resource admission: memory and fuel quotas
// checked before an invocation is admitted or a GrowMemory request is honored (spec
// section 2, "Resource limiter"; section 5, "Resource limits").
package limiter

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/M0-find-U/golem/pkg/golemerr"
)

// AccountLimits are the hard and soft caps admitted against for one account.
type AccountLimits struct {
	MaxMemoryBytes   int64
	SoftMemoryBytes  int64 // growth beyond this is denied but not fatal
	FuelPerSecond    float64
	FuelBurst        float64
}

// DefaultAccountLimits is a conservative per-account resource default, adapted from
// pkg/types.ResourceRequirements to Golem's per-account memory/fuel model.
func DefaultAccountLimits() AccountLimits {
	return AccountLimits{
		MaxMemoryBytes:  2 << 30, // 2 GiB hard cap
		SoftMemoryBytes: 1 << 30, // 1 GiB soft cap
		FuelPerSecond:   1_000_000,
		FuelBurst:       5_000_000,
	}
}

// accountState is one account's live admission bookkeeping.
type accountState struct {
	limits       AccountLimits
	usedMemory   int64
	fuelLimiter  *rate.Limiter
}

// Limiter enforces per-account memory and fuel admission. Safe for concurrent use by
// many workers belonging to different accounts.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*accountState
}

// New creates an empty Limiter; accounts are registered lazily on first use with
// DefaultAccountLimits unless SetLimits is called first.
func New() *Limiter {
	return &Limiter{accounts: make(map[string]*accountState)}
}

func (l *Limiter) state(account string) *accountState {
	st, ok := l.accounts[account]
	if !ok {
		st = newAccountState(DefaultAccountLimits())
		l.accounts[account] = st
	}
	return st
}

func newAccountState(limits AccountLimits) *accountState {
	return &accountState{
		limits:      limits,
		fuelLimiter: rate.NewLimiter(rate.Limit(limits.FuelPerSecond), int(limits.FuelBurst)),
	}
}

// SetLimits overrides an account's limits, replacing its fuel limiter. Existing
// accumulated memory usage is preserved.
func (l *Limiter) SetLimits(account string, limits AccountLimits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.accounts[account]
	if !ok {
		l.accounts[account] = newAccountState(limits)
		return
	}
	st.limits = limits
	st.fuelLimiter = rate.NewLimiter(rate.Limit(limits.FuelPerSecond), int(limits.FuelBurst))
}

// AdmitInvocation checks that account has fuel budget available for one invocation's
// estimated cost. A denial here does not fail the worker — the caller should retry or
// queue, since fuel replenishes over time (spec section 5 distinguishes admission
// denial from a hard OutOfMemory/FuelExhausted failure mid-execution).
func (l *Limiter) AdmitInvocation(account string, estimatedFuel uint64) bool {
	l.mu.Lock()
	st := l.state(account)
	l.mu.Unlock()
	return st.fuelLimiter.AllowN(time.Now(), int(estimatedFuel))
}

// GrowMemory checks a worker's proposed memory growth against account limits. Exceeding
// MaxMemoryBytes is a hard failure (golemerr.KindOutOfMemory); exceeding SoftMemoryBytes
// alone is a denial, not an error, per spec section 5 ("exceeding a soft limit merely
// denies the growth").
func (l *Limiter) GrowMemory(account string, currentBytes, growBy int64) (allowed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(account)
	proposed := currentBytes + growBy

	if proposed > st.limits.MaxMemoryBytes {
		return false, golemerr.New(golemerr.KindOutOfMemory,
			fmt.Sprintf("account %s: requested %d bytes exceeds hard limit %d", account, proposed, st.limits.MaxMemoryBytes))
	}
	if proposed > st.limits.SoftMemoryBytes {
		return false, nil
	}
	return true, nil
}

// RecordMemory updates an account's tracked memory usage after a successful grow or a
// worker eviction/exit frees memory back.
func (l *Limiter) RecordMemory(account string, deltaBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(account)
	st.usedMemory += deltaBytes
	if st.usedMemory < 0 {
		st.usedMemory = 0
	}
}
