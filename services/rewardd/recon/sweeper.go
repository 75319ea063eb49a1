// Package recon resolves reward records whose settlement outcome is unknown.
// A sweep re-drives each parked record through the settlement path, which
// consults the on-chain verification map before any new issuance, and fails
// records that exhausted their attempt budget.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"help2earn/observability"
	"help2earn/observability/logging"
	"help2earn/services/rewardd/chain"
	"help2earn/services/rewardd/ledger"
	"help2earn/services/rewardd/models"
)

const (
	defaultStaleAfter  = 10 * time.Minute
	defaultMaxAttempts = 25
	defaultBatchSize   = 100

	// Anomaly types emitted by the sweeper.
	AnomalyAttemptsExhausted = "attempts_exhausted"
	AnomalyRedriveFailed     = "redrive_failed"
	AnomalyHalted            = "issuance_halted"
)

// Redriver re-runs the settlement phase for a persisted record.
type Redriver interface {
	Redrive(ctx context.Context, record models.RewardRecord) (chain.Outcome, error)
	InFlight(id uuid.UUID) bool
	Halted() bool
}

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type     string
	RecordID uuid.UUID
	Details  string
}

// Config captures the dependencies required to construct a Sweeper.
type Config struct {
	Ledger      *ledger.Ledger
	Redriver    Redriver
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
	OutputDir   string
	Now         func() time.Time
	Alert       AlertFunc
	Logger      *slog.Logger
	Metrics     *observability.RewarddMetrics
}

// Sweeper re-drives parked and stale reward records. Runs are serialised.
type Sweeper struct {
	mu sync.Mutex

	ledger      *ledger.Ledger
	redriver    Redriver
	staleAfter  time.Duration
	maxAttempts int
	batchSize   int
	outputDir   string
	now         func() time.Time
	alert       AlertFunc
	logger      *slog.Logger
	metrics     *observability.RewarddMetrics
}

// Result summarises one sweep.
type Result struct {
	StartedAt  time.Time
	Skipped    bool
	Examined   int
	Resolved   int
	Failed     int
	Unresolved []ReportRow
	Anomalies  []Anomaly
	CSVPath    string
	Parquet    string
	// ReportErr is set when the report could not be written; the sweep
	// itself still completed.
	ReportErr string
}

// NewSweeper builds a configured sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Redriver == nil {
		return nil, errors.New("recon: redriver is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Rewardd()
	}
	return &Sweeper{
		ledger:      cfg.Ledger,
		redriver:    cfg.Redriver,
		staleAfter:  cfg.StaleAfter,
		maxAttempts: cfg.MaxAttempts,
		batchSize:   cfg.BatchSize,
		outputDir:   strings.TrimSpace(cfg.OutputDir),
		now:         cfg.Now,
		alert:       cfg.Alert,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Run executes one sweep. A halted redriver skips the sweep entirely.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now().UTC()
	result := &Result{StartedAt: started}
	if s.redriver.Halted() {
		result.Skipped = true
		s.logger.Info("reconciliation skipped while issuance is halted")
		return result, nil
	}

	records, err := s.ledger.ListForReconciliation(ctx, started.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("recon: list records: %w", err)
	}

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if s.redriver.InFlight(record.ID) {
			continue
		}
		result.Examined++

		if record.Attempts >= s.maxAttempts {
			reason := fmt.Sprintf("reconciliation gave up after %d attempts: %s", record.Attempts, record.LastError)
			if _, err := s.ledger.Fail(ctx, record.ID, reason); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
				return result, fmt.Errorf("recon: fail record %s: %w", record.ID, err)
			}
			result.Failed++
			s.metrics.RecordReconciliation("failed_fatal")
			result.Anomalies = append(result.Anomalies, s.raise(ctx, Anomaly{Type: AnomalyAttemptsExhausted, RecordID: record.ID, Details: reason}))
			continue
		}

		outcome, err := s.redriver.Redrive(ctx, record)
		if errors.Is(err, ledger.ErrLeaseHeld) {
			// Another settler owns the record; leave it to them.
			result.Examined--
			continue
		}
		if err == nil && (outcome == chain.OutcomeConfirmed || outcome == chain.OutcomeAlreadyVerified) {
			result.Resolved++
			s.metrics.RecordReconciliation("resolved")
			s.logger.Info("reward reconciled",
				slog.String("record", record.ID.String()),
				slog.String("outcome", string(outcome)))
			continue
		}

		s.metrics.RecordReconciliation("unresolved")
		detail := string(outcome)
		if err != nil {
			detail = logging.ScrubText(err.Error())
		}
		if record.Status == models.StatusPending {
			if _, markErr := s.ledger.MarkNeedsReconciliation(ctx, record.ID, detail); markErr != nil && !errors.Is(markErr, ledger.ErrInvalidTransition) {
				s.logger.Warn("park stale reward failed", slog.String("record", record.ID.String()), logging.Error("error", markErr))
			}
		}
		result.Unresolved = append(result.Unresolved, newReportRow(record, outcome, detail))
		result.Anomalies = append(result.Anomalies, s.raise(ctx, Anomaly{Type: AnomalyRedriveFailed, RecordID: record.ID, Details: detail}))

		if s.redriver.Halted() {
			// Leave the rest of the batch for the sweep after resume.
			for _, rest := range records[i+1:] {
				result.Unresolved = append(result.Unresolved, newReportRow(rest, "", "issuance halted"))
			}
			result.Anomalies = append(result.Anomalies, s.raise(ctx, Anomaly{Type: AnomalyHalted, RecordID: record.ID, Details: detail}))
			break
		}
	}

	s.metrics.SetBacklog(len(result.Unresolved))
	if s.outputDir != "" && len(result.Unresolved) > 0 {
		dir := filepath.Join(s.outputDir, started.Format("20060102T150405Z"))
		csvPath, parquetPath, err := writeReport(dir, result.Unresolved)
		result.CSVPath = csvPath
		result.Parquet = parquetPath
		if err != nil {
			result.ReportErr = err.Error()
			s.logger.Error("reconciliation report failed", slog.String("dir", dir), slog.Any("error", err))
		} else {
			s.logger.Info("reconciliation report written",
				slog.String("csv", csvPath),
				slog.String("parquet", parquetPath),
				slog.Int("rows", len(result.Unresolved)))
		}
	}
	return result, nil
}

func (s *Sweeper) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if s.alert != nil {
		if err := s.alert(ctx, anomaly); err != nil {
			s.logger.Warn("recon alert delivery failed", slog.String("type", anomaly.Type), slog.Any("error", err))
		}
	}
	return anomaly
}
