// Package health probes each configured agent service's /health endpoint on
// a cron schedule and keeps the latest status for the API and CLI.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/revued-io/revued/pkg/protocol"
)

const probeTimeout = 5 * time.Second

// AgentStatus is the latest probe result for one agent.
type AgentStatus struct {
	Agent     protocol.AgentName `json:"agent"`
	Address   string             `json:"address"`
	Healthy   bool               `json:"healthy"`
	CheckedAt time.Time          `json:"checked_at"`
	Detail    string             `json:"detail,omitempty"`
}

// Monitor probes agent services on a schedule.
type Monitor struct {
	mu        sync.Mutex
	cron      *cron.Cron
	addresses map[protocol.AgentName]string
	statuses  map[protocol.AgentName]AgentStatus
	http      *http.Client
	logger    *slog.Logger
}

// New creates a monitor over the name to address map.
func New(addresses map[protocol.AgentName]string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cron:      cron.New(),
		addresses: addresses,
		statuses:  make(map[protocol.AgentName]AgentStatus),
		http:      &http.Client{Timeout: probeTimeout},
		logger:    logger.With("component", "health"),
	}
}

// Start probes once immediately, then on the cron schedule, until the
// context is cancelled. Blocks.
func (m *Monitor) Start(ctx context.Context, schedule string) error {
	if _, err := m.cron.AddFunc(schedule, m.probeAll); err != nil {
		return fmt.Errorf("health: invalid schedule %q: %w", schedule, err)
	}

	m.probeAll()
	m.cron.Start()
	m.logger.Info("health monitor started", "schedule", schedule, "agents", len(m.addresses))

	<-ctx.Done()
	m.cron.Stop()
	m.logger.Info("health monitor stopped")
	return ctx.Err()
}

// Snapshot returns the latest status for every monitored agent, ordered by
// agent name.
func (m *Monitor) Snapshot() []AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AgentStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (m *Monitor) probeAll() {
	for agent, addr := range m.addresses {
		st := m.probe(agent, addr)
		m.mu.Lock()
		m.statuses[agent] = st
		m.mu.Unlock()
		if !st.Healthy {
			m.logger.Warn("agent unhealthy", "agent", agent, "detail", st.Detail)
		}
	}
}

func (m *Monitor) probe(agent protocol.AgentName, addr string) AgentStatus {
	st := AgentStatus{
		Agent:     agent,
		Address:   addr,
		CheckedAt: time.Now().UTC(),
	}

	resp, err := m.http.Get(addr + "/health")
	if err != nil {
		st.Detail = err.Error()
		return st
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		st.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return st
	}
	st.Healthy = true
	return st
}
