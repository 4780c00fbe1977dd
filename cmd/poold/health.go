// health.go - Health monitoring for the pool daemon
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"shieldedpool/internal/pool"
	"shieldedpool/p2p"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// Checker reports a component's status. Unhealthy results carry the error message.
type Checker func() (HealthStatus, error)

// HealthChecker runs the registered checkers on demand.
type HealthChecker struct {
	mu        sync.Mutex
	startTime time.Time
	version   string
	checkers  map[string]Checker
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]Checker),
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, checker Checker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = checker
}

// CheckHealth performs health checks for all registered components
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.checkers))
	for name, checker := range hc.checkers {
		start := time.Now()
		status, err := checker()
		c := ComponentHealth{Name: name, Status: status, Message: "OK", LastCheck: time.Now(), Latency: time.Since(start)}
		if err != nil {
			c.Message = err.Error()
		}
		switch {
		case c.Status == Unhealthy:
			overall = Unhealthy
		case c.Status == Degraded && overall == Healthy:
			overall = Degraded
		}
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// ServeHTTP answers 200 unless a component is unhealthy.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h := hc.CheckHealth()
	status := http.StatusOK
	if h.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(h)
}

// storeChecker fails when the ledger's store cannot be read.
func storeChecker(l *pool.Ledger) Checker {
	return func() (HealthStatus, error) {
		if err := l.Ping(); err != nil {
			return Unhealthy, err
		}
		return Healthy, nil
	}
}

// capacityChecker degrades at 90% and fails when the tree cannot take another pair of leaves.
func capacityChecker(l *pool.Ledger) Checker {
	return func() (HealthStatus, error) {
		used, capacity := l.Len(), l.Capacity()
		switch {
		case capacity-used < 2:
			return Unhealthy, fmt.Errorf("tree full: %d of %d leaves", used, capacity)
		case used*10 >= capacity*9:
			return Degraded, fmt.Errorf("tree at %d of %d leaves", used, capacity)
		}
		return Healthy, nil
	}
}

// relayChecker degrades while some peers missed the last ping. Deposits and
// withdrawals queue in the outbox meanwhile.
func relayChecker(n *p2p.Node) Checker {
	return func() (HealthStatus, error) {
		healthy, total := n.PeerHealth()
		if healthy < total {
			return Degraded, fmt.Errorf("%d of %d relay peers reachable", healthy, total)
		}
		return Healthy, nil
	}
}
