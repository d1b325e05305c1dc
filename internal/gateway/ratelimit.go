package gateway

import (
	"sync"
	"time"
)

// tierLimits is the tier table from spec §4.8. "internal" has no ceiling
// (Unlimited); every other tier gets an exact (perMinute, perDay) pair.
type tierLimits struct {
	perMinute int
	perDay    int
}

var tierTable = map[string]tierLimits{
	"public":   {perMinute: 100, perDay: 10_000},
	"free":     {perMinute: 500, perDay: 50_000},
	"standard": {perMinute: 1_000, perDay: 100_000},
	"premium":  {perMinute: 5_000, perDay: 500_000},
}

const unlimitedTier = "internal"

// window is a fixed-size sliding window: a slice of hit timestamps,
// pruned lazily on every check. Exact (not approximated by bucketing)
// since request volume per identity is small enough that a slice scan
// is cheap, matching spec §4.8's per-identity sliding counters.
type window struct {
	mu   sync.Mutex
	hits []time.Time
}

func (w *window) count(now time.Time, span time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	w.hits = w.hits[i:]
	return len(w.hits)
}

func (w *window) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits = append(w.hits, now)
}

func (w *window) oldest() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.hits) == 0 {
		return time.Time{}, false
	}
	return w.hits[0], true
}

// RateLimiter tracks two sliding counters (minute, day) per identity
// (spec §4.8 step 4). One RateLimiter instance backs the whole Gateway.
type RateLimiter struct {
	mu      sync.Mutex
	minutes map[string]*window
	days    map[string]*window
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		minutes: make(map[string]*window),
		days:    make(map[string]*window),
	}
}

func (rl *RateLimiter) windowsFor(identity string) (*window, *window) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	m, ok := rl.minutes[identity]
	if !ok {
		m = &window{}
		rl.minutes[identity] = m
	}
	d, ok := rl.days[identity]
	if !ok {
		d = &window{}
		rl.days[identity] = d
	}
	return m, d
}

// Decision is the outcome of one rate-limit check, carrying everything
// the response headers need (spec §6 "Rate-limit headers").
type Decision struct {
	Allowed   bool
	Limit     int // the minute limit, used for the Limit header
	Remaining int
	ResetAt   int64  // unix seconds the current minute window resets
	Reason    string // "minute_limit_exceeded" or "daily_limit_exceeded"
	RetryAfter int
}

// Check records one hit for identity at tier and reports whether it's
// within both sliding windows.
func (rl *RateLimiter) Check(identity, tier string, now time.Time) Decision {
	limits, ok := tierTable[tier]
	if !ok {
		// unknown or "internal": unlimited.
		return Decision{Allowed: true, Limit: -1, Remaining: -1, ResetAt: now.Add(time.Minute).Unix()}
	}

	minuteWin, dayWin := rl.windowsFor(identity)

	dayCount := dayWin.count(now, 24*time.Hour)
	if dayCount >= limits.perDay {
		retryAfter := 60
		if oldest, ok := dayWin.oldest(); ok {
			retryAfter = int(oldest.Add(24 * time.Hour).Sub(now).Seconds())
		}
		return Decision{
			Allowed: false, Limit: limits.perMinute, Remaining: 0,
			ResetAt: now.Add(time.Duration(retryAfter) * time.Second).Unix(),
			Reason:  "daily_limit_exceeded", RetryAfter: retryAfter,
		}
	}

	minuteCount := minuteWin.count(now, time.Minute)
	if minuteCount >= limits.perMinute {
		retryAfter := 60
		if oldest, ok := minuteWin.oldest(); ok {
			retryAfter = int(oldest.Add(time.Minute).Sub(now).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return Decision{
			Allowed: false, Limit: limits.perMinute, Remaining: 0,
			ResetAt: now.Add(time.Duration(retryAfter) * time.Second).Unix(),
			Reason:  "minute_limit_exceeded", RetryAfter: retryAfter,
		}
	}

	minuteWin.record(now)
	dayWin.record(now)

	return Decision{
		Allowed:   true,
		Limit:     limits.perMinute,
		Remaining: limits.perMinute - minuteCount - 1,
		ResetAt:   now.Add(time.Minute).Unix(),
	}
}
