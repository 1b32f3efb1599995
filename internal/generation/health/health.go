// Package health provides system health monitoring and status reporting.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// CredentialHealth summarizes the credential pool.
type CredentialHealth struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	CoolingDown int `json:"cooling_down"`
}

// DependencyHealth is the result of one dependency check.
type DependencyHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Credentials  CredentialHealth            `json:"credentials"`
	Dependencies map[string]DependencyHealth `json:"dependencies,omitempty"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

// CredentialSource exposes pool state.
type CredentialSource interface {
	Snapshot() []domain.Credential
}

// Checker is a dependency that can report its health.
type Checker interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the pool and external dependencies.
type Monitor struct {
	pool       CredentialSource
	deps       map[string]Checker
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Nil checkers are ignored.
func NewMonitor(pool CredentialSource, deps map[string]Checker) *Monitor {
	m := &Monitor{
		pool:     pool,
		deps:     make(map[string]Checker),
		cacheFor: 5 * time.Second,
	}
	for name, c := range deps {
		if c != nil {
			m.deps[name] = c
		}
	}
	return m
}

// CheckHealth builds a report, reusing the previous one for a few seconds.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	now := time.Now()
	report := Report{
		SystemStatus: StatusHealthy,
		Dependencies: make(map[string]DependencyHealth, len(m.deps)),
		CheckedAt:    now,
	}

	for _, c := range m.pool.Snapshot() {
		report.Credentials.Total++
		if c.Active {
			report.Credentials.Active++
			if c.CoolingDown(now) {
				report.Credentials.CoolingDown++
			}
		}
	}

	for name, dep := range m.deps {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := dep.Health(checkCtx)
		cancel()
		if err != nil {
			report.Dependencies[name] = DependencyHealth{Status: StatusCritical, Error: err.Error()}
			report.SystemStatus = StatusDegraded
			continue
		}
		report.Dependencies[name] = DependencyHealth{Status: StatusHealthy}
	}

	// Evaluate Status
	usable := report.Credentials.Active - report.Credentials.CoolingDown
	switch {
	case report.Credentials.Active == 0:
		report.SystemStatus = StatusCritical
	case usable*2 < report.Credentials.Total:
		report.SystemStatus = StatusDegraded
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}
