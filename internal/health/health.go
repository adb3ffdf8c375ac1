// Package health runs periodic dependency probes and serves the
// liveness and readiness endpoints. Liveness only says the process is
// up; readiness requires every critical dependency to answer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome classification of one probe.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the recorded outcome of one probe round for one
// component.
type CheckResult struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Critical  bool      `json:"critical"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker probes one dependency. Critical checkers gate readiness;
// non-critical ones only show up in the report.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) error
}

type checkFunc struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewCheck adapts a probe function into a Checker.
func NewCheck(name string, critical bool, fn func(ctx context.Context) error) Checker {
	return &checkFunc{name: name, critical: critical, fn: fn}
}

func (c *checkFunc) Name() string                    { return c.name }
func (c *checkFunc) Critical() bool                  { return c.critical }
func (c *checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
	// slowThreshold marks a passing probe as degraded.
	slowThreshold = 100 * time.Millisecond
)

// Manager runs the registered checkers on an interval and caches the
// latest results, so probe endpoints answer from memory instead of
// hitting every dependency per request.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult

	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. Zero durations pick the defaults.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		results:  make(map[string]CheckResult),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Register adds a checker. Call before Start.
func (m *Manager) Register(checkers ...Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checkers...)
}

// Start runs one probe round synchronously so readiness is meaningful
// immediately, then keeps probing in the background.
func (m *Manager) Start() {
	m.RunChecks(context.Background())
	m.wg.Add(1)
	go m.loop()
}

// Close stops the background probing and waits for it to finish.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunChecks(context.Background())
		}
	}
}

// RunChecks probes every registered checker in parallel and records the
// results.
func (m *Manager) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			m.record(m.probe(ctx, c))
		}(c)
	}
	wg.Wait()
}

func (m *Manager) probe(ctx context.Context, c Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(cctx)
	elapsed := time.Since(start)

	result := CheckResult{
		Component: c.Name(),
		Status:    StatusHealthy,
		LatencyMS: elapsed.Milliseconds(),
		Critical:  c.Critical(),
		CheckedAt: start.UTC(),
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		m.logger.Warn("Dependency probe failed",
			zap.String("component", c.Name()),
			zap.Bool("critical", c.Critical()),
			zap.Error(err),
		)
	case elapsed > slowThreshold:
		result.Status = StatusDegraded
	}
	return result
}

func (m *Manager) record(r CheckResult) {
	m.mu.Lock()
	m.results[r.Component] = r
	m.mu.Unlock()
}

// Snapshot returns the latest result per component, sorted by name.
func (m *Manager) Snapshot() []CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Ready reports whether every critical dependency answered its last
// probe. Degraded still counts as ready; a round must have run.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checkers {
		r, ok := m.results[c.Name()]
		if c.Critical() && (!ok || r.Status == StatusUnhealthy) {
			return false
		}
	}
	return true
}

type report struct {
	Status     string        `json:"status"`
	Components []CheckResult `json:"components,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Routes registers the probe endpoints on mux.
func (m *Manager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", m.handleLive)
	mux.HandleFunc("/readyz", m.handleReady)
}

// handleLive answers 200 whenever the process can serve HTTP at all.
func (m *Manager) handleLive(w http.ResponseWriter, r *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok", Timestamp: time.Now().UTC()})
}

func (m *Manager) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status:     "ready",
		Components: m.Snapshot(),
		Timestamp:  time.Now().UTC(),
	}
	code := http.StatusOK
	if !m.Ready() {
		rep.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
