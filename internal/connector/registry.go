package connector

import (
	"context"
	"fmt"
	"sync"

	"execution-core/pkg/logger"
)

// Factory builds a connector for one account from its stored settings.
type Factory func(accountID string) (Connector, error)

// Registry maps broker types to factories and maintains at most one live
// session per account. Acquire refcounts the session so concurrent runs on
// the same account share a single broker connection.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	sessions  map[string]*session
}

type session struct {
	conn Connector
	refs int
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		sessions:  make(map[string]*session),
	}
}

// RegisterFactory installs the factory for a broker type. Later
// registrations for the same type replace earlier ones.
func (r *Registry) RegisterFactory(brokerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[brokerType] = f
}

// Acquire returns the shared session for (brokerType, accountID), creating
// and connecting it on first use. Callers must call Release when done.
func (r *Registry) Acquire(ctx context.Context, brokerType, accountID string) (Connector, error) {
	r.mu.Lock()
	if s, ok := r.sessions[accountID]; ok {
		s.refs++
		r.mu.Unlock()
		return s.conn, nil
	}
	defer r.mu.Unlock()
	f, ok := r.factories[brokerType]
	if !ok {
		return nil, fmt.Errorf("no connector factory registered for broker type %q", brokerType)
	}
	// Connect while holding the lock so a concurrent Acquire for the same
	// account cannot open a second session.
	conn, err := f(accountID)
	if err == nil {
		err = conn.Connect(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect account %s: %w", accountID, err)
	}
	r.sessions[accountID] = &session{conn: conn, refs: 1}
	logger.S().Infow("connector session opened", "broker", conn.Name(), "account", accountID)
	return conn, nil
}

// Release drops one reference to the account session and disconnects it
// when the last holder is gone.
func (r *Registry) Release(ctx context.Context, accountID string) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, accountID)
	conn := s.conn
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(ctx); err != nil {
			logger.S().Warnw("connector disconnect failed", "account", accountID, "error", err)
		} else {
			logger.S().Infow("connector session closed", "broker", conn.Name(), "account", accountID)
		}
	}
}

// ActiveSessions returns the number of live account sessions.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
