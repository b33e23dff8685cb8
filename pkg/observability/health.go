package observability

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	checkTimeout = 5 * time.Second
)

// Pinger is the slice of the storage interface the watchdog needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter is the slice of the broker interface the watchdog needs.
type HealthReporter interface {
	Healthy() bool
}

// HealthStatus is the snapshot served by the admin info endpoint.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// DependencyStatus describes one backend check.
type DependencyStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Watchdog probes the storage backend and event broker on a schedule
// and caches the result, so the info endpoint never blocks on a dead
// backend.
type Watchdog struct {
	store  Pinger
	broker HealthReporter
	log    *logrus.Logger
	cron   *cron.Cron

	mu   sync.RWMutex
	last HealthStatus
}

// NewWatchdog builds a watchdog and runs an initial check synchronously
// so the first status read is never empty.
func NewWatchdog(store Pinger, broker HealthReporter, log *logrus.Logger) *Watchdog {
	w := &Watchdog{
		store:  store,
		broker: broker,
		log:    log,
		cron:   cron.New(),
	}
	w.check()
	return w
}

// Start schedules the periodic probe.
func (w *Watchdog) Start() error {
	if _, err := w.cron.AddFunc("@every 30s", w.check); err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (w *Watchdog) Stop() {
	<-w.cron.Stop().Done()
}

// Status returns the most recent snapshot.
func (w *Watchdog) Status() HealthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *Watchdog) check() {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if w.store != nil {
		dep := w.checkStore()
		status.Dependencies["storage"] = dep
		if dep.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	if w.broker != nil {
		dep := DependencyStatus{Status: StatusHealthy}
		if !w.broker.Healthy() {
			// A dead broker stops cross-instance fan-out but local
			// requests still work.
			dep.Status = StatusUnhealthy
			dep.Message = "broker unreachable"
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
		status.Dependencies["broker"] = dep
	}

	w.mu.Lock()
	prev := w.last.Status
	w.last = status
	w.mu.Unlock()

	if prev != "" && prev != status.Status {
		w.log.WithFields(logrus.Fields{
			"from": prev,
			"to":   status.Status,
		}).Warn("health status changed")
	}
}

func (w *Watchdog) checkStore() DependencyStatus {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	start := time.Now()
	err := w.store.Ping(ctx)
	dep := DependencyStatus{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}
