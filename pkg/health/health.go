package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"discord-map-bridge/backend/pkg/logger"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates a component is working correctly
	StatusUp Status = "up"
	// StatusDown indicates a component is not working
	StatusDown Status = "down"
	// StatusDegraded indicates a component is working but with reduced functionality
	StatusDegraded Status = "degraded"
)

// Component is the last observed state of one checked dependency
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Critical    bool      `json:"critical"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check inspects one component
type Check func(ctx context.Context) (Status, string, error)

// Report is the outcome of one Run
type Report struct {
	// Healthy is false when any critical component is not up
	Healthy    bool                  `json:"healthy"`
	Components map[string]*Component `json:"components"`
}

type registration struct {
	check    Check
	critical bool
}

// Checker runs registered checks on demand
type Checker struct {
	mutex   sync.RWMutex
	checks  map[string]registration
	timeout time.Duration
	log     *logger.Logger
}

// NewChecker creates a checker; each check gets at most timeout to answer
func NewChecker(log *logger.Logger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		checks:  make(map[string]registration),
		timeout: timeout,
		log:     log,
	}
}

// RegisterCheck registers a new health check. A critical component that is not up
// makes the whole report unhealthy.
func (c *Checker) RegisterCheck(name string, critical bool, check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.checks[name] = registration{check: check, critical: critical}
}

// Names returns the registered component names, sorted
func (c *Checker) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes all registered checks and aggregates them
func (c *Checker) Run(ctx context.Context) Report {
	c.mutex.RLock()
	checks := make(map[string]registration, len(c.checks))
	for name, reg := range c.checks {
		checks[name] = reg
	}
	c.mutex.RUnlock()

	report := Report{Healthy: true, Components: make(map[string]*Component, len(checks))}

	for name, reg := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		status, description, err := reg.check(checkCtx)
		cancel()

		component := &Component{
			Name:        name,
			Status:      status,
			Critical:    reg.critical,
			Description: description,
			LastChecked: time.Now(),
		}
		if err != nil {
			component.Error = err.Error()
			if component.Status == StatusUp {
				component.Status = StatusDown
			}
			c.log.Warn("health check failed",
				"component", name,
				"status", string(component.Status),
				"error", err.Error(),
			)
		}

		if reg.critical && component.Status != StatusUp {
			report.Healthy = false
		}
		report.Components[name] = component
	}

	return report
}
