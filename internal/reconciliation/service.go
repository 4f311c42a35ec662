// Package reconciliation periodically checks that every account agrees with
// its own trade history.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"papertrade/internal/ledger"
	"papertrade/internal/monitor"
	"papertrade/internal/settlement"
	"papertrade/pkg/i18n"
	"papertrade/pkg/logger"
)

// Checker recomputes one user's totals from trades. *settlement.Service
// satisfies it.
type Checker interface {
	Reconcile(ctx context.Context, userID string) (settlement.ReconcileReport, error)
}

// AccountLister enumerates users with accounts. ledger.Store satisfies it.
type AccountLister interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// Service handles periodic reconciliation
type Service struct {
	checker  Checker
	accounts AccountLister
	alerts   monitor.AlertSink
	log      logger.Logger
	interval time.Duration
	mu       sync.Mutex
	last     *Report
}

// Report contains reconciliation results
type Report struct {
	Timestamp  time.Time                    `json:"timestamp"`
	Checked    int                          `json:"checked"`
	Mismatches []settlement.ReconcileReport `json:"mismatches"`
	Errors     []string                     `json:"errors,omitempty"`
	// Busy lists accounts that kept settling while being read; they are
	// checked again on the next pass.
	Busy []string `json:"busy,omitempty"`
}

// HasDiffs reports whether any account disagreed with its trades.
func (r *Report) HasDiffs() bool {
	return len(r.Mismatches) > 0
}

// NewService creates a new reconciliation service. alerts may be nil.
func NewService(checker Checker, accounts AccountLister, alerts monitor.AlertSink, interval time.Duration, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if alerts == nil {
		alerts = monitor.LogSink{Log: log}
	}
	return &Service{
		checker:  checker,
		accounts: accounts,
		alerts:   alerts,
		log:      log,
		interval: interval,
	}
}

// Run reconciles every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	s.log.Infof(i18n.M().ReconStarted, s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Reconcile(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Errorf("reconciliation error: %v", err)
				}
				continue
			}
			s.handleReport(report)
		}
	}
}

// Reconcile checks every account once.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.accounts.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &Report{Timestamp: time.Now().UTC()}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.checker.Reconcile(ctx, id)
		if errors.Is(err, ledger.ErrPersistenceConflict) {
			s.log.Debugf("reconcile %s skipped: %v", id, err)
			report.Busy = append(report.Busy, id)
			continue
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		report.Checked++
		if !r.OK() {
			report.Mismatches = append(report.Mismatches, r)
		}
	}
	s.last = report
	return report, nil
}

// Last returns the most recent report, nil before the first pass.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs() {
		s.log.Infof(i18n.M().ReconOK, report.Checked)
		return
	}
	for _, m := range report.Mismatches {
		msg := fmt.Sprintf(i18n.M().ReconMismatch, m.UserID, m.LedgerPnL, m.TradesPnL)
		if err := s.alerts.Send(msg + " (" + m.String() + ")"); err != nil {
			s.log.Errorf("send alert: %v", err)
		}
	}
}
