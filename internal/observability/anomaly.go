package observability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/config"
)

// minSamples is the number of outcomes needed before a rate is judged.
const minSamples = 5

// AnomalyDetector flags operations whose failure rate over a sliding
// window exceeds the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	window    time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		window:    time.Duration(secs) * time.Second,
		threshold: cfg.ErrorRateThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.failures, operation).add(now)
	if rate, total, hot := a.rateLocked(operation, now); hot && a.logger != nil {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, operation).add(a.now())
}

// FailureRate returns the failure rate of operation within the window and
// the number of samples it is based on.
func (a *AnomalyDetector) FailureRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, total, _ := a.rateLocked(operation, a.now())
	return rate, total
}

// Check reports an error naming every operation currently above the
// threshold. It is registered as a readiness check.
func (a *AnomalyDetector) Check() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var hot []string
	for op := range a.failures {
		if rate, _, over := a.rateLocked(op, now); over {
			hot = append(hot, fmt.Sprintf("%s=%.2f", op, rate))
		}
	}
	if len(hot) == 0 {
		return nil
	}
	sort.Strings(hot)
	return fmt.Errorf("failure rate above %.2f: %v", a.threshold, hot)
}

// rateLocked must be called with a.mu held.
func (a *AnomalyDetector) rateLocked(operation string, now time.Time) (float64, int, bool) {
	failed := a.windowFor(a.failures, operation).count(now)
	total := failed + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0, false
	}
	rate := float64(failed) / float64(total)
	return rate, total, a.threshold > 0 && total >= minSamples && rate > a.threshold
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
