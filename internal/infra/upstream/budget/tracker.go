// Package budget handles per-credential call quotas.
//
// Providers meter generation calls per key per day. Tracker counts the calls
// made with each credential, resets at local midnight, and answers whether a
// credential still has quota. A zero daily limit disables the gate.
package budget

import (
	"sync"
	"time"
)

// UsageStats holds quota usage statistics for one credential.
type UsageStats struct {
	TotalCalls      int
	CallsPerHour    int
	DailyLimit      int
	RemainingCalls  int
	UsagePercentage float64
	NextResetAt     time.Time
}

type credentialBudget struct {
	totalCalls    int
	callsThisHour int
	hourStartTime time.Time
}

// Tracker counts calls per credential against a shared daily limit.
type Tracker struct {
	mu         sync.RWMutex
	usage      map[string]*credentialBudget
	dailyLimit int
	resetTime  time.Time
	now        func() time.Time
}

// NewTracker creates a tracker allowing dailyLimit calls per credential per day.
func NewTracker(dailyLimit int) *Tracker {
	return newTrackerAt(dailyLimit, time.Now)
}

func newTrackerAt(dailyLimit int, now func() time.Time) *Tracker {
	return &Tracker{
		usage:      make(map[string]*credentialBudget),
		dailyLimit: dailyLimit,
		resetTime:  nextMidnight(now()),
		now:        now,
	}
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// Record records one call made with credential id.
func (bt *Tracker) Record(id string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	now := bt.now()
	if now.After(bt.resetTime) {
		bt.resetUnsafe()
	}

	b, ok := bt.usage[id]
	if !ok {
		b = &credentialBudget{hourStartTime: now}
		bt.usage[id] = b
	}
	if now.Sub(b.hourStartTime) >= time.Hour {
		b.callsThisHour = 0
		b.hourStartTime = now
	}
	b.totalCalls++
	b.callsThisHour++
}

// Allow reports whether credential id has quota left today.
func (bt *Tracker) Allow(id string) bool {
	if bt.dailyLimit <= 0 {
		return true
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.now().After(bt.resetTime) {
		bt.resetUnsafe()
	}
	b, ok := bt.usage[id]
	if !ok {
		return true
	}
	return b.totalCalls < bt.dailyLimit
}

// Usage returns usage statistics for credential id.
func (bt *Tracker) Usage(id string) UsageStats {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	stats := UsageStats{
		DailyLimit:     bt.dailyLimit,
		RemainingCalls: bt.dailyLimit,
		NextResetAt:    bt.resetTime,
	}
	b, ok := bt.usage[id]
	if !ok {
		return stats
	}
	stats.TotalCalls = b.totalCalls
	stats.CallsPerHour = b.callsThisHour
	if bt.dailyLimit > 0 {
		stats.RemainingCalls = max(bt.dailyLimit-b.totalCalls, 0)
		stats.UsagePercentage = float64(b.totalCalls) / float64(bt.dailyLimit) * 100
	}
	return stats
}

// Reset clears all usage counters.
func (bt *Tracker) Reset() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.resetUnsafe()
}

func (bt *Tracker) resetUnsafe() {
	bt.usage = make(map[string]*credentialBudget)
	bt.resetTime = nextMidnight(bt.now())
}
