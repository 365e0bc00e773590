package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/connector"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// StartRequest describes a new live run.
type StartRequest struct {
	// Spec is the raw strategy document, YAML or JSON.
	Spec       []byte
	BrokerType string
	AccountID  string
}

// Manager owns live run workers. One worker per run, one broker session per
// account shared through the connector registry.
type Manager struct {
	store    *db.Database
	registry *connector.Registry
	gw       *gateway.Gateway
	bus      *events.Bus

	// baseCtx outlives individual requests; workers run against it so an
	// API call ending does not cancel a live run.
	baseCtx context.Context

	mu   sync.Mutex
	runs map[string]*Runner
}

func NewManager(baseCtx context.Context, store *db.Database, registry *connector.Registry, gw *gateway.Gateway, bus *events.Bus) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		gw:       gw,
		bus:      bus,
		baseCtx:  baseCtx,
		runs:     make(map[string]*Runner),
	}
}

// Start validates the strategy document, opens a broker session and launches
// the worker. The run id is returned once the run row is persisted.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	spec, err := strategy.LoadSpec(req.Spec)
	if err != nil {
		return "", fmt.Errorf("load strategy: %w", err)
	}
	strat, err := strategy.Build(spec)
	if err != nil {
		return "", fmt.Errorf("build strategy: %w", err)
	}
	if _, err := timeframeDuration(spec.Timeframe); err != nil {
		return "", err
	}

	conn, err := m.registry.Acquire(ctx, req.BrokerType, req.AccountID)
	if err != nil {
		return "", fmt.Errorf("acquire broker session: %w", err)
	}

	runID := uuid.NewString()
	row := db.LiveRun{
		ID:           runID,
		StrategyName: spec.Name,
		StrategyType: spec.Type,
		Symbol:       spec.Symbol,
		Timeframe:    spec.Timeframe,
		BrokerType:   req.BrokerType,
		AccountID:    req.AccountID,
		Spec:         string(req.Spec),
		State:        db.RunStateRunning,
	}
	if err := m.store.CreateLiveRun(ctx, row); err != nil {
		m.registry.Release(ctx, req.AccountID)
		return "", fmt.Errorf("persist run: %w", err)
	}

	r := newRunner(runID, spec, strat, conn, m.gw, m.store, m.bus)
	m.mu.Lock()
	m.runs[runID] = r
	m.mu.Unlock()

	go r.run(m.baseCtx, func(state string) {
		m.finish(runID, req.AccountID, state)
	})

	logger.S().Infow("live run started",
		"run", runID, "strategy", spec.Name, "symbol", spec.Symbol,
		"timeframe", spec.Timeframe, "broker", req.BrokerType)
	return runID, nil
}

// Stop asks a run to wind down and marks it STOPPING. The worker moves the
// row to STOPPED once the bar in flight has been handled.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	m.mu.Lock()
	r, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, db.ErrNotFound)
	}
	if err := m.store.UpdateRunState(ctx, runID, db.RunStateStopping); err != nil {
		return err
	}
	r.Stop()
	return nil
}

// StopAll stops every worker and waits for them to finish, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	active := make([]*Runner, 0, len(m.runs))
	for _, r := range m.runs {
		active = append(active, r)
	}
	m.mu.Unlock()

	for _, r := range active {
		r.Stop()
	}
	for _, r := range active {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Sessions snapshots the broker session of every active run.
func (m *Manager) Sessions() map[string]connector.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]connector.Connector, len(m.runs))
	for id, r := range m.runs {
		out[id] = r.conn
	}
	return out
}

// Active reports the ids of runs whose workers are still alive.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) finish(runID, accountID, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.UpdateRunState(ctx, runID, state); err != nil {
		logger.S().Errorw("run state update failed", "run", runID, "state", state, "error", err)
	}
	m.registry.Release(ctx, accountID)

	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.EventRunStateChange, events.RunStateUpdate{
			RunID: runID, State: state, At: time.Now().UTC(),
		})
	}
	logger.S().Infow("live run finished", "run", runID, "state", state)
}
