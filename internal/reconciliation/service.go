// Package reconciliation periodically compares persisted open positions
// against what the broker reports for each active run, and repairs drift.
package reconciliation

import (
	"context"
	"math"
	"sync"
	"time"

	"execution-core/internal/connector"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Sessions supplies the broker session of every active run.
type Sessions interface {
	Sessions() map[string]connector.Connector
}

// closeReasonReconciled marks rows closed because the broker no longer
// reports the position.
const closeReasonReconciled = "RECONCILED"

// Service handles periodic reconciliation.
type Service struct {
	sessions Sessions
	store    *db.Database
	interval time.Duration
	autoSync bool
	mu       sync.Mutex
}

// Report contains one reconciliation pass over all active runs.
type Report struct {
	Timestamp time.Time
	Diffs     []Diff
	Synced    int
}

// Diff is one position discrepancy between the store and the broker.
type Diff struct {
	RunID        string
	PositionID   string
	Symbol       string
	LocalVolume  float64
	BrokerVolume float64
	Synced       bool
}

// NewService creates a reconciliation service with auto-sync enabled.
func NewService(sessions Sessions, store *db.Database, interval time.Duration) *Service {
	return &Service{
		sessions: sessions,
		store:    store,
		interval: interval,
		autoSync: true,
	}
}

// SetAutoSync enables or disables automatic repair of drifted rows.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					logger.S().Errorw("reconciliation failed", "error", err)
					continue
				}
				s.logReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	logger.S().Infow("reconciliation service started", "interval", s.interval)
}

// Reconcile compares every active run's persisted open positions with the
// broker. A row whose position the broker no longer reports is closed with
// the broker's last known state; volume drift is logged and, with auto-sync
// on, the local volume is reduced to match.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC()}

	for runID, conn := range s.sessions.Sessions() {
		local, err := s.store.ListOpenPositionsByRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(local) == 0 {
			continue
		}

		remote, err := conn.OpenPositions(ctx)
		if err != nil {
			logger.S().Warnw("broker positions unavailable",
				"run", runID, "broker", conn.Name(), "error", err)
			continue
		}
		byBrokerID := make(map[string]connector.PositionInfo, len(remote))
		for _, p := range remote {
			byBrokerID[p.ID] = p
		}

		for _, row := range local {
			brokerPos, found := byBrokerID[row.BrokerPositionID]
			switch {
			case !found:
				diff := Diff{
					RunID:       runID,
					PositionID:  row.ID,
					Symbol:      row.Symbol,
					LocalVolume: row.Volume,
				}
				if s.autoSync {
					diff.Synced = s.closeMissing(ctx, row)
					if diff.Synced {
						report.Synced++
					}
				}
				report.Diffs = append(report.Diffs, diff)

			case math.Abs(brokerPos.Volume-row.Volume) > 1e-4:
				diff := Diff{
					RunID:        runID,
					PositionID:   row.ID,
					Symbol:       row.Symbol,
					LocalVolume:  row.Volume,
					BrokerVolume: brokerPos.Volume,
				}
				if s.autoSync && brokerPos.Volume < row.Volume {
					if err := s.store.ReducePositionRow(ctx, row.ID, brokerPos.Volume, 0); err != nil {
						logger.S().Errorw("position volume sync failed",
							"position", row.ID, "error", err)
					} else {
						diff.Synced = true
						report.Synced++
					}
				}
				report.Diffs = append(report.Diffs, diff)
			}
		}
	}

	return report, nil
}

// closeMissing closes a local row the broker no longer reports. The close
// price is unknown at this point, so the realized PnL stays zero and the
// reason makes the repair visible in the audit trail.
func (s *Service) closeMissing(ctx context.Context, row db.Position) bool {
	err := s.store.ClosePositionRow(ctx, row.ID, 0, time.Now().UTC(), 0, closeReasonReconciled)
	if err != nil {
		logger.S().Errorw("position close sync failed", "position", row.ID, "error", err)
		return false
	}
	logger.S().Infow("closed position missing at broker",
		"position", row.ID, "run", row.RunID, "symbol", row.Symbol)
	return true
}

func (s *Service) logReport(report *Report) {
	if len(report.Diffs) == 0 {
		logger.S().Debugw("reconciliation clean")
		return
	}
	for _, diff := range report.Diffs {
		logger.S().Warnw("position drift detected",
			"run", diff.RunID,
			"position", diff.PositionID,
			"symbol", diff.Symbol,
			"local_volume", diff.LocalVolume,
			"broker_volume", diff.BrokerVolume,
			"synced", diff.Synced,
		)
	}
	if report.Synced > 0 {
		logger.S().Infow("reconciliation repaired positions", "count", report.Synced)
	}
}
