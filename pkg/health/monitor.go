package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/circuitbreaker"
	"github.com/sendlix/smtp-relay/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

// ComponentReport is a point-in-time view of one check.
type ComponentReport struct {
	Status    ComponentStatus `json:"status"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Critical  bool            `json:"critical"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once and then on its interval until ctx
// is done or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	for _, check := range hm.checks {
		go hm.runHealthCheck(check)
	}
	hm.mu.RUnlock()
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

// CheckNow runs all checks synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		hm.performCheck(ctx, check)
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring started", "component", check.Name, "interval", check.Interval)
	hm.performCheck(hm.ctx, check)

	for {
		select {
		case <-hm.ctx.Done():
			logger.Debug("Health: monitoring stopped", "component", check.Name)
			return
		case <-ticker.C:
			hm.performCheck(hm.ctx, check)
		}
	}
}

func (hm *HealthMonitor) performCheck(parent context.Context, check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: panic during check", "component", check.Name, "error", err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(parent, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	isFirstCheck := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		// A single failure degrades, a high failure rate makes the component unhealthy.
		failureRate := float64(check.FailCount) / float64(check.CheckCount)
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warn("Health: check failed", "component", check.Name, "error", err,
			"status", check.Status, "failure_rate", failureRate)
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(currentStatus))

	if previousStatus != currentStatus && !isFirstCheck {
		logger.Info("Health: status changed", "component", check.Name, "from", previousStatus, "to", currentStatus)
	}

	hm.updateOverallStatus()
}

// statusValue maps a status onto the gauge scale 0=unreachable .. 3=healthy.
func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool

	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus

	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.Status, true
}

// Report returns the state of every registered check.
func (hm *HealthMonitor) Report() map[string]ComponentReport {
	hm.mu.RLock()
	checks := make(map[string]*HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		checks[name] = check
	}
	hm.mu.RUnlock()

	reports := make(map[string]ComponentReport, len(checks))
	for name, check := range checks {
		check.mu.RLock()
		r := ComponentReport{Status: check.Status, LastCheck: check.LastCheck, Critical: check.Critical}
		if check.LastError != nil {
			r.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		reports[name] = r
	}
	return reports
}

// CircuitBreakerCheck fails while the breaker is open.
func CircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker, critical bool) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 10 * time.Second,
		Timeout:  time.Second,
		Critical: critical,
		Check: func(context.Context) error {
			if state := breaker.State(); state == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker %s is %s", breaker.Name(), state)
			}
			return nil
		},
	}
}

// CertificateCheck fails when no certificate can be served or when it
// expires within warnBefore.
func CertificateCheck(name string, getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error), warnBefore time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: time.Hour,
		Timeout:  5 * time.Second,
		Critical: false,
		Check: func(context.Context) error {
			cert, err := getCertificate(&tls.ClientHelloInfo{})
			if err != nil {
				return err
			}
			if cert.Leaf != nil && time.Until(cert.Leaf.NotAfter) < warnBefore {
				return fmt.Errorf("certificate expires at %s", cert.Leaf.NotAfter.Format(time.RFC3339))
			}
			return nil
		},
	}
}
