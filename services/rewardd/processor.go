package rewardd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"help2earn/observability/logging"
	"help2earn/services/rewardd/chain"
	"help2earn/services/rewardd/dedup"
	"help2earn/services/rewardd/ledger"
	"help2earn/services/rewardd/locationhash"
	"help2earn/services/rewardd/models"
	"help2earn/services/rewardd/policy"
)

const (
	defaultChainDeadline = 5 * time.Minute
	defaultMinConfidence = 0.5
	defaultHourlyQuota   = 10
	defaultDailyQuota    = 50
)

// Alert describes a condition that needs operator attention.
type Alert struct {
	Reason   string
	Message  string
	RecordID uuid.UUID
}

// AlertFunc delivers alerts to the operator channel.
type AlertFunc func(ctx context.Context, alert Alert) error

// Quota bounds the reward records one contributor may create.
type Quota struct {
	Hourly int
	Daily  int
}

// Processor coordinates detection, reservation and on-chain settlement of
// submissions.
type Processor struct {
	ledger        *ledger.Ledger
	detector      *dedup.Detector
	policy        *policy.Policy
	distributor   *chain.Distributor
	metrics       *Metrics
	logger        *slog.Logger
	alert         AlertFunc
	now           func() time.Time
	quota         Quota
	minConfidence float64
	chainDeadline time.Duration
	owner         string

	mu       sync.Mutex
	paused   bool
	halt     *ConfigurationError
	closed   bool
	inFlight map[uuid.UUID]struct{}
	counts   map[Status]int
	wg       sync.WaitGroup
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithAlert installs the operator alert sink.
func WithAlert(alert AlertFunc) ProcessorOption {
	return func(p *Processor) { p.alert = alert }
}

// WithQuota overrides the contributor quota. Zero limits disable the check.
func WithQuota(q Quota) ProcessorOption {
	return func(p *Processor) { p.quota = q }
}

// WithMinConfidence sets the classifier confidence threshold.
func WithMinConfidence(threshold float64) ProcessorOption {
	return func(p *Processor) { p.minConfidence = threshold }
}

// WithChainDeadline bounds the settlement phase of one submission.
func WithChainDeadline(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.chainDeadline = d
		}
	}
}

// NewProcessor wires the reward pipeline.
func NewProcessor(l *ledger.Ledger, detector *dedup.Detector, pol *policy.Policy, distributor *chain.Distributor, opts ...ProcessorOption) (*Processor, error) {
	if l == nil || detector == nil || pol == nil || distributor == nil {
		return nil, errors.New("rewardd: ledger, detector, policy and distributor are required")
	}
	p := &Processor{
		ledger:        l,
		detector:      detector,
		policy:        pol,
		distributor:   distributor,
		metrics:       NewMetrics(),
		logger:        slog.Default(),
		now:           time.Now,
		quota:         Quota{Hourly: defaultHourlyQuota, Daily: defaultDailyQuota},
		minConfidence: defaultMinConfidence,
		chainDeadline: defaultChainDeadline,
		owner:         "rewardd-" + uuid.NewString(),
		inFlight:      make(map[uuid.UUID]struct{}),
		counts:        make(map[Status]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// reservation is the committed outcome of the locked detection step.
type reservation struct {
	decision dedup.Decision
	record   *models.RewardRecord
	facility *models.Facility
	key      locationhash.Hash
	raceLost bool
}

// ProcessSubmission runs one submission through the lifecycle. Rejections
// are reported through both the Result status and a typed error.
func (p *Processor) ProcessSubmission(ctx context.Context, sub Submission) (Result, error) {
	ctx, span := otel.Tracer("rewardd").Start(ctx, "rewardd.ProcessSubmission")
	defer span.End()

	m := newMachine()
	if err := p.admit(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordError(errorReason(err))
		return Result{State: m.state}, err
	}
	defer p.wg.Done()

	v, err := validate(sub, p.minConfidence)
	if err != nil {
		return p.finish(span, Result{Status: StatusRejectedInvalid, Reason: err.Error(), State: m.state}, err)
	}
	span.SetAttributes(attribute.String("facility.category", string(v.category)))
	logger := p.logger.With(logging.Address("contributor", v.contributor.Hex()), slog.String("category", string(v.category)))

	res, err := p.reserve(ctx, v)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return p.finish(span, Result{Status: StatusRejectedInvalid, Reason: vErr.Reason, State: m.state}, err)
		}
		return p.finish(span, Result{State: m.state}, err)
	}
	if res.decision == dedup.DecisionDuplicate || res.raceLost {
		_ = m.to(StateDuplicateRejected)
		result := Result{Status: StatusRejectedDuplicate, Reason: "duplicate", State: m.state}
		if res.facility != nil {
			result.FacilityID = res.facility.ID
		}
		if res.raceLost {
			result.Reason = "reward already claimed"
		}
		logger.Info("submission rejected as duplicate", slog.String("decision", string(res.decision)))
		return p.finish(span, result, ErrDuplicate)
	}
	_ = m.to(StateClassified)
	_ = m.to(StateReserved)
	p.claim(res.record.ID)
	defer p.unclaim(res.record.ID)
	logger.Info("reward reserved",
		slog.String("decision", string(res.decision)),
		slog.String("record", res.record.ID.String()),
		slog.String("facility", res.facility.ID.String()),
		slog.Int64("amount", res.record.Amount))

	// The reservation is committed; the settlement must not be abandoned
	// when the caller goes away.
	chainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.chainDeadline)
	defer cancel()
	result, err := p.settle(chainCtx, *res.record, m)
	result.FacilityID = res.facility.ID
	return p.finish(span, result, err)
}

func (p *Processor) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrProcessorClosed
	case p.halt != nil:
		return fmt.Errorf("%w: %s", ErrIssuanceHalted, p.halt.Reason)
	case p.paused:
		return ErrIssuanceHalted
	}
	p.wg.Add(1)
	return nil
}

// checkQuota must run under the contributor's lock row so concurrent
// submissions from one contributor are counted in order.
func (p *Processor) checkQuota(tx *ledger.Tx, contributor string, now time.Time) error {
	if p.quota.Hourly > 0 {
		count, err := tx.CountSince(contributor, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		if count >= int64(p.quota.Hourly) {
			return invalid("quota", "hourly_limit")
		}
	}
	if p.quota.Daily > 0 {
		count, err := tx.CountSince(contributor, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if count >= int64(p.quota.Daily) {
			return invalid("quota", "daily_limit")
		}
	}
	return nil
}

// reserve performs detection and reservation under the vicinity locks.
func (p *Processor) reserve(ctx context.Context, v validated) (reservation, error) {
	var out reservation
	keys := p.detector.LockKeys(v.category, v.point)
	if p.quota.Hourly > 0 || p.quota.Daily > 0 {
		keys = append(keys, ledger.ContributorLockKey(v.contributor.Hex()))
	}
	err := p.ledger.WithinVicinity(ctx, keys, func(tx *ledger.Tx) error {
		now := p.now().UTC()
		if err := p.checkQuota(tx, v.contributor.Hex(), now); err != nil {
			return err
		}
		detected, err := p.detector.Detect(ctx, tx.DB(), v.category, v.point, now)
		if err != nil {
			return err
		}
		out.decision = detected.Decision
		out.facility = detected.Facility
		if detected.Decision == dedup.DecisionDuplicate {
			return nil
		}

		identity := locationhash.Compute(v.point.Lat, v.point.Lng, string(v.category))
		var round uint64
		key := identity
		if detected.Decision == dedup.DecisionUpdate {
			identity = facilityIdentity(detected.Facility)
			round = detected.Facility.Rounds + 1
			key = identity.Round(round)
		}
		out.key = key

		active, err := tx.ActiveRecord(key.Hex())
		if err != nil {
			return err
		}
		if active != nil {
			out.raceLost = true
			return nil
		}
		amount, err := p.policy.Amount(detected.Decision)
		if err != nil {
			return err
		}
		record, facility, err := tx.Reserve(ledger.Reservation{
			Kind:           models.RewardKind(detected.Decision),
			Facility:       detected.Facility,
			Category:       v.category,
			Point:          v.point,
			ContentRef:     v.contentRef,
			Classification: v.classification,
			Contributor:    v.contributor.Hex(),
			IdentityHash:   identity.Hex(),
			RewardKey:      key.Hex(),
			Round:          round,
			Amount:         amount,
			At:             now,
			LeaseOwner:     p.owner,
			LeaseTTL:       p.leaseTTL(),
		})
		if err != nil {
			if errors.Is(err, ledger.ErrKeyClaimed) {
				out.raceLost = true
				return nil
			}
			return err
		}
		out.record = record
		out.facility = facility
		return nil
	})
	if err != nil {
		return reservation{}, fmt.Errorf("rewardd: reserve: %w", err)
	}
	return out, nil
}

func facilityIdentity(f *models.Facility) locationhash.Hash {
	if parsed, err := locationhash.Parse(f.LocationHash); err == nil {
		return parsed
	}
	return locationhash.Compute(f.Latitude, f.Longitude, string(f.Category))
}

// settle drives the distributor for a reserved record and applies the outcome.
func (p *Processor) settle(ctx context.Context, record models.RewardRecord, m *machine) (Result, error) {
	result := Result{RecordID: record.ID, State: m.state}
	key, err := locationhash.Parse(record.LocationHash)
	if err != nil {
		return result, fmt.Errorf("rewardd: record %s: %w", record.ID, err)
	}
	units, err := p.policy.BaseUnits(record.Amount)
	if err != nil {
		return result, p.configurationFailure(ctx, record, m, &ConfigurationError{Reason: "scale amount", Err: err})
	}
	if !p.policy.Accepts(record.Amount) {
		return result, p.configurationFailure(ctx, record, m, &ConfigurationError{Reason: fmt.Sprintf("amount %d not accepted", record.Amount), Err: policy.ErrAmountNotAccepted})
	}

	if err := m.to(StateChainPending); err != nil {
		return result, err
	}
	start := p.now()
	outcome := p.distributor.Distribute(ctx, chain.Request{
		Recipient: common.HexToAddress(record.Contributor),
		Key:       key,
		Amount:    units,
		Unconfirmed: func(ctx context.Context) (bool, error) {
			current, err := p.ledger.Record(ctx, record.ID)
			if err != nil {
				return false, err
			}
			return current.Status != models.StatusConfirmed, nil
		},
		BeforeMint: func(ctx context.Context) error {
			return p.ledger.BeginMint(ctx, record.ID)
		},
		OnRetry: func(int, chain.Outcome, error) {
			_ = m.to(StateChainRetry)
			_ = m.to(StateChainPending)
		},
	})
	if err := p.ledger.RecordAttempts(context.WithoutCancel(ctx), record.ID, outcome.Attempts); err != nil {
		p.logger.Warn("record attempts failed", slog.String("record", record.ID.String()), slog.Any("error", err))
	}
	return p.apply(ctx, record, m, outcome, p.now().Sub(start))
}

func (p *Processor) apply(ctx context.Context, record models.RewardRecord, m *machine, outcome chain.Result, elapsed time.Duration) (Result, error) {
	// Ledger writes must land even when the settlement deadline has passed.
	writeCtx := context.WithoutCancel(ctx)
	result := Result{RecordID: record.ID, State: m.state}

	switch outcome.Outcome {
	case chain.OutcomeConfirmed:
		if _, err := p.ledger.Confirm(writeCtx, record.ID, ledger.Settlement{TxRef: outcome.TxRef, IssuedAmount: record.Amount, Path: outcome.Path}); err != nil {
			p.logger.Error("confirmed on chain but ledger update failed",
				slog.String("record", record.ID.String()),
				slog.String("tx", outcome.TxRef),
				slog.Any("error", err))
			p.raise(writeCtx, Alert{Reason: "ledger_confirm", Message: err.Error(), RecordID: record.ID})
			_ = m.to(StateChainConfirmed)
			result.State = m.state
			result.Status = StatusPendingRetry
			result.TxRef = outcome.TxRef
			return result, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
		}
		_ = m.to(StateChainConfirmed)
		p.metrics.RecordIssued(string(record.Kind), record.Amount)
		p.metrics.ObserveLatency(string(outcome.Path), elapsed)
		result.State = m.state
		result.Status = StatusAccepted
		result.Amount = record.Amount
		result.TxRef = outcome.TxRef
		return result, nil

	case chain.OutcomeAlreadyVerified:
		if _, err := p.ledger.Confirm(writeCtx, record.ID, ledger.Settlement{IssuedAmount: 0, Path: models.PathAlreadyVerified}); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
			result.Status = StatusPendingRetry
			return result, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
		}
		_ = m.to(StateChainConfirmed)
		p.logger.Info("reward key already verified on chain", slog.String("record", record.ID.String()))
		result.State = m.state
		result.Status = StatusRejectedDuplicate
		result.Reason = "already verified on chain"
		return result, ErrDuplicate

	case chain.OutcomeInvalidAmount, chain.OutcomeAuthorization:
		cfgErr := &ConfigurationError{Reason: string(outcome.Outcome), Err: outcome.Err}
		result.Status = StatusPendingRetry
		return result, p.configurationFailure(writeCtx, record, m, cfgErr)

	default:
		reason := "retries exhausted"
		if outcome.Err != nil {
			reason = logging.ScrubText(outcome.Err.Error())
		}
		if _, err := p.ledger.MarkNeedsReconciliation(writeCtx, record.ID, reason); err != nil {
			p.logger.Error("park reward for reconciliation failed", slog.String("record", record.ID.String()), slog.Any("error", err))
		}
		_ = m.to(StateChainRetry)
		p.metrics.RecordError("transient")
		result.State = m.state
		result.Status = StatusPendingRetry
		result.Reason = "settlement pending"
		return result, fmt.Errorf("%w: %w", ErrNeedsReconciliation, &TransientChainError{Attempts: outcome.Attempts, Err: outcome.Err})
	}
}

// configurationFailure halts issuance and parks the record until an operator
// resolves the mismatch and resumes.
func (p *Processor) configurationFailure(ctx context.Context, record models.RewardRecord, m *machine, cfgErr *ConfigurationError) error {
	if m.state == StateReserved {
		_ = m.to(StateChainPending)
	}
	_ = m.to(StateChainFailedFatal)
	if _, err := p.ledger.MarkNeedsReconciliation(ctx, record.ID, "configuration: "+logging.ScrubText(cfgErr.Error())); err != nil {
		p.logger.Error("park reward after configuration failure", slog.String("record", record.ID.String()), slog.Any("error", err))
	}
	p.haltIssuance(ctx, cfgErr, record.ID)
	return cfgErr
}

func (p *Processor) haltIssuance(ctx context.Context, cfgErr *ConfigurationError, recordID uuid.UUID) {
	p.mu.Lock()
	alreadyHalted := p.halt != nil
	p.halt = cfgErr
	p.mu.Unlock()
	p.metrics.SetHalted(true)
	p.metrics.RecordError("configuration")
	if alreadyHalted {
		return
	}
	p.logger.Error("issuance halted", logging.Error("error", cfgErr))
	p.raise(ctx, Alert{Reason: "configuration", Message: logging.ScrubText(cfgErr.Error()), RecordID: recordID})
}

func (p *Processor) raise(ctx context.Context, alert Alert) {
	if p.alert == nil {
		return
	}
	if err := p.alert(ctx, alert); err != nil {
		p.logger.Warn("alert delivery failed", slog.String("reason", alert.Reason), slog.Any("error", err))
	}
}

// claim marks the record as being settled by this process. It reports false
// when the record is already claimed.
func (p *Processor) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

// unclaim drops the in-process claim and the ledger lease.
func (p *Processor) unclaim(id uuid.UUID) {
	if err := p.ledger.Release(context.Background(), id, p.owner); err != nil {
		p.logger.Warn("release lease failed", slog.String("record", id.String()), slog.Any("error", err))
	}
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// leaseTTL outlasts one settlement so a live settler never loses its lease.
func (p *Processor) leaseTTL() time.Duration {
	return p.chainDeadline + time.Minute
}

func (p *Processor) finish(span trace.Span, result Result, err error) (Result, error) {
	p.mu.Lock()
	if result.Status != "" {
		p.counts[result.Status]++
	}
	p.mu.Unlock()
	if result.Status != "" {
		p.metrics.RecordSubmission(string(result.Status))
	}
	if err != nil && !errors.Is(err, ErrDuplicate) {
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return result, err
}

// Redrive re-runs the settlement phase for a record found by the
// reconciliation sweep. The record is claimed in process and leased in the
// ledger before anything else, and the chain map is consulted first so a
// reward that landed earlier is confirmed without a second issuance.
func (p *Processor) Redrive(ctx context.Context, record models.RewardRecord) (chain.Outcome, error) {
	if err := p.admit(); err != nil {
		return "", err
	}
	defer p.wg.Done()
	if !p.claim(record.ID) {
		return "", fmt.Errorf("%w: %s in flight: %w", ErrRecordBusy, record.ID, ledger.ErrLeaseHeld)
	}
	defer p.unclaim(record.ID)

	current, err := p.ledger.Acquire(ctx, record.ID, p.owner, p.leaseTTL())
	switch {
	case errors.Is(err, ledger.ErrLeaseHeld):
		return "", fmt.Errorf("%w: %s: %w", ErrRecordBusy, record.ID, err)
	case errors.Is(err, ledger.ErrInvalidTransition) && current != nil && current.Status == models.StatusConfirmed:
		return chain.OutcomeConfirmed, nil
	case err != nil:
		return "", fmt.Errorf("rewardd: lease record %s: %w", record.ID, err)
	}
	record = *current

	if record.MintStarted != nil {
		p.raise(ctx, Alert{Reason: "mint_unresolved", Message: "direct mint started without local confirmation", RecordID: record.ID})
		return "", fmt.Errorf("%w: %s", ErrMintUnresolved, record.ID)
	}

	m := &machine{state: StateReserved, history: []State{StateReserved}}
	key, err := locationhash.Parse(record.LocationHash)
	if err != nil {
		return "", fmt.Errorf("rewardd: record %s: %w", record.ID, err)
	}
	verified, err := p.distributor.IsVerified(ctx, key)
	if err != nil {
		return chain.OutcomeTransient, &TransientChainError{Attempts: 0, Err: err}
	}
	if verified {
		_ = m.to(StateChainPending)
		_, err := p.apply(ctx, record, m, chain.Result{Outcome: chain.OutcomeAlreadyVerified, Path: models.PathAlreadyVerified}, 0)
		if errors.Is(err, ErrDuplicate) {
			err = nil
		}
		return chain.OutcomeAlreadyVerified, err
	}

	result, err := p.settle(ctx, record, m)
	switch result.Status {
	case StatusAccepted:
		return chain.OutcomeConfirmed, nil
	case StatusRejectedDuplicate:
		return chain.OutcomeAlreadyVerified, nil
	}
	if IsConfigurationError(err) {
		return chain.OutcomeAuthorization, err
	}
	return chain.OutcomeTransient, err
}

// InFlight reports whether the record is being settled by this process.
func (p *Processor) InFlight(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Halted reports whether issuance is paused or halted.
func (p *Processor) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused || p.halt != nil
}

// Pause halts new submissions and reconciliation.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.metrics.SetHalted(true)
}

// Resume re-enables issuance and clears a configuration halt.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.halt = nil
	p.mu.Unlock()
	p.metrics.SetHalted(false)
}

// Close stops admitting work and waits for in-flight submissions.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessorStatus summarises processor state for administrative endpoints.
type ProcessorStatus struct {
	Paused      bool           `json:"paused"`
	Halted      bool           `json:"halted"`
	HaltReason  string         `json:"halt_reason,omitempty"`
	InFlight    int            `json:"in_flight"`
	Submissions map[Status]int `json:"submissions"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status() ProcessorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := ProcessorStatus{
		Paused:      p.paused,
		Halted:      p.halt != nil,
		InFlight:    len(p.inFlight),
		Submissions: make(map[Status]int, len(p.counts)),
	}
	if p.halt != nil {
		status.HaltReason = p.halt.Error()
	}
	for k, v := range p.counts {
		status.Submissions[k] = v
	}
	return status
}

// Ledger exposes the reward ledger for read-only administrative queries.
func (p *Processor) Ledger() *ledger.Ledger { return p.ledger }

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrProcessorClosed):
		return "closed"
	case errors.Is(err, ErrIssuanceHalted):
		return "halted"
	default:
		return "internal"
	}
}
