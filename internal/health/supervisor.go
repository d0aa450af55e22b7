// Package health polls component probes and tracks service degradation.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Probe checks one dependency. A nil return means healthy.
type Probe func(ctx context.Context) error

// RestartFunc attempts to restart a down component.
type RestartFunc func(ctx context.Context) error

// EventSink receives component_down events.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Config holds the supervisor's polling thresholds. A service is degraded
// after DegradedAfter consecutive probe failures and down after DownAfter.
type Config struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	DegradedAfter int
	DownAfter     int
	RestartOnDown bool
}

type service struct {
	probe   Probe
	restart RestartFunc
	state   domain.ServiceHealth
}

// Supervisor periodically probes registered services, tracks consecutive
// failures, and escalates through healthy, degraded, and down.
type Supervisor struct {
	mu       sync.Mutex
	services map[string]*service
	cfg      Config
	sink     EventSink
	logger   *slog.Logger
}

// New creates a Supervisor. Zero config fields fall back to safe values.
func New(cfg Config, sink EventSink, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 2
	}
	if cfg.DownAfter < cfg.DegradedAfter {
		cfg.DownAfter = cfg.DegradedAfter
	}
	return &Supervisor{
		services: make(map[string]*service),
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With("component", "health"),
	}
}

// Register adds a service to the probe rotation. restart may be nil when the
// component cannot be restarted in-process.
func (s *Supervisor) Register(name string, probe Probe, restart RestartFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = &service{
		probe:   probe,
		restart: restart,
		state: domain.ServiceHealth{
			Service: name,
			Status:  domain.HealthHealthy,
		},
	}
}

// Run probes all services on the configured interval until the context is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one probe pass over every registered service.
func (s *Supervisor) Check(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.checkOne(ctx, name)
	}
}

func (s *Supervisor) checkOne(ctx context.Context, name string) {
	s.mu.Lock()
	svc, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := svc.probe(probeCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	svc.state.LastCheckAt = time.Now().UTC()

	if err == nil {
		if svc.state.Status != domain.HealthHealthy {
			s.logger.Info("service recovered", "service", name,
				"failures", svc.state.ConsecutiveFailures)
		}
		svc.state.Status = domain.HealthHealthy
		svc.state.ConsecutiveFailures = 0
		svc.state.Detail = ""
		return
	}

	svc.state.ConsecutiveFailures++
	svc.state.Detail = err.Error()

	switch {
	case svc.state.ConsecutiveFailures >= s.cfg.DownAfter:
		wasDown := svc.state.Status == domain.HealthDown
		svc.state.Status = domain.HealthDown
		if !wasDown {
			s.logger.Error("service down", "service", name,
				"failures", svc.state.ConsecutiveFailures, "error", err)
			s.emitDown(ctx, name, err)
			if s.cfg.RestartOnDown && svc.restart != nil {
				go s.tryRestart(ctx, name, svc.restart)
			}
		}
	case svc.state.ConsecutiveFailures >= s.cfg.DegradedAfter:
		if svc.state.Status != domain.HealthDegraded {
			s.logger.Warn("service degraded", "service", name,
				"failures", svc.state.ConsecutiveFailures, "error", err)
		}
		svc.state.Status = domain.HealthDegraded
	}
}

func (s *Supervisor) emitDown(ctx context.Context, name string, err error) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(ctx, domain.Event{
		Type:   domain.EventComponentDown,
		Reason: name + ": " + err.Error(),
		At:     time.Now().UTC(),
	})
}

func (s *Supervisor) tryRestart(ctx context.Context, name string, restart RestartFunc) {
	s.logger.Info("restarting service", "service", name)
	if err := restart(ctx); err != nil {
		s.logger.Error("restart failed", "service", name, "error", err)
		return
	}
	s.logger.Info("restart requested", "service", name)
}

// Snapshot returns the current health of every service, sorted by name.
func (s *Supervisor) Snapshot() []domain.ServiceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ServiceHealth, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Healthy reports whether no service is down. Degraded services do not fail
// the overall check.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.state.Status == domain.HealthDown {
			return false
		}
	}
	return true
}
