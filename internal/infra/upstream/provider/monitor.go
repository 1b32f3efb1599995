package provider

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// CredentialStatus represents how a provider is treating one credential.
type CredentialStatus int

const (
	StatusHealthy   CredentialStatus = iota // Credential is working normally
	StatusDegraded                          // Responses are slow
	StatusThrottled                         // Provider is rate limiting
	StatusBlocked                           // Provider refused the credential
)

func (s CredentialStatus) String() string {
	switch s {
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "healthy"
	}
}

// MonitorStats holds monitoring statistics for one credential.
type MonitorStats struct {
	Status            string        `json:"status"`
	AverageLatency    time.Duration `json:"average_latency"`
	ThrottleCount429  int           `json:"throttle_count_429"`
	ThrottleCount403  int           `json:"throttle_count_403"`
	RequestsLast1Hour int           `json:"requests_last_1h"`
	Requests          int           `json:"requests"`
}

// Monitor tracks latency and throttling per credential.
type Monitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	status429Count     int
	status403Count     int
	throttlePatterns   []string
	lastThrottleTime   time.Time
	retryAfterDuration time.Duration

	requestTimestamps []time.Time
	windowDuration    time.Duration
	requests          int

	slowResponseThreshold time.Duration
}

// NewMonitor creates a new monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"high traffic",
			"resource has been exhausted",
			"quota exceeded",
		},
		windowDuration:        time.Hour,
		slowResponseThreshold: 60 * time.Second,
	}
}

// Observe records one response and its latency.
func (m *Monitor) Observe(statusCode int, latency time.Duration, body []byte) {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusForbidden:
		m.RecordThrottle(statusCode)
	default:
		if m.DetectThrottlePattern(string(body)) {
			m.RecordThrottle(http.StatusTooManyRequests)
		}
	}
	m.RecordRequest(latency)
}

// RecordRequest records a request with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}

	m.requests++
	m.requestTimestamps = append(m.requestTimestamps, now)
	cutoff := now.Add(-m.windowDuration)
	filtered := m.requestTimestamps[:0]
	for _, t := range m.requestTimestamps {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	m.requestTimestamps = filtered
}

// RecordThrottle records a rate limiting or blocking response.
func (m *Monitor) RecordThrottle(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = time.Now()

	if statusCode == http.StatusTooManyRequests {
		m.status429Count++
		m.retryAfterDuration = 60 * time.Second
	}

	if statusCode == http.StatusForbidden {
		m.status403Count++
		m.retryAfterDuration = 10 * time.Minute
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (m *Monitor) DetectThrottlePattern(message string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lowerMsg := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// Status returns the current status of the credential.
func (m *Monitor) Status() CredentialStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() CredentialStatus {
	recent := time.Since(m.lastThrottleTime) < m.retryAfterDuration
	if m.status403Count > 0 && recent {
		return StatusBlocked
	}
	if m.status429Count > 5 && recent {
		return StatusThrottled
	}
	if len(m.recentLatencies) > 10 && m.averageLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) averageLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Hour)
	lastHour := 0
	for _, t := range m.requestTimestamps {
		if t.After(cutoff) {
			lastHour++
		}
	}

	return MonitorStats{
		Status:            m.statusLocked().String(),
		AverageLatency:    m.averageLocked(),
		ThrottleCount429:  m.status429Count,
		ThrottleCount403:  m.status403Count,
		RequestsLast1Hour: lastHour,
		Requests:          m.requests,
	}
}

// MonitorSet keeps one Monitor per credential id.
type MonitorSet struct {
	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewMonitorSet creates an empty set.
func NewMonitorSet() *MonitorSet {
	return &MonitorSet{monitors: make(map[string]*Monitor)}
}

// For returns the monitor for credential id, creating it on first use.
func (s *MonitorSet) For(id string) *Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		m = NewMonitor()
		s.monitors[id] = m
	}
	return m
}

// Stats returns statistics for every credential seen so far.
func (s *MonitorSet) Stats() map[string]MonitorStats {
	s.mu.Lock()
	monitors := make(map[string]*Monitor, len(s.monitors))
	for id, m := range s.monitors {
		monitors[id] = m
	}
	s.mu.Unlock()

	out := make(map[string]MonitorStats, len(monitors))
	for id, m := range monitors {
		out[id] = m.Stats()
	}
	return out
}
