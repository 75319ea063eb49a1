// Package ledger persists reward intents and their on-chain outcomes. A
// reservation runs inside a transaction holding row locks on the vicinity
// cells of the submission, and the unique guard column admits at most one
// active record per reward key.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"help2earn/services/rewardd/geo"
	"help2earn/services/rewardd/models"
)

var (
	// ErrNotFound reports an unknown reward record.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	// ErrKeyClaimed reports that another active record already holds the reward key.
	ErrKeyClaimed = errors.New("ledger: reward key already claimed")
	// ErrLeaseHeld reports a record another settler holds an unexpired lease on.
	ErrLeaseHeld = errors.New("ledger: record leased by another settler")
	// ErrMintStarted reports a record that already had a direct mint attempted.
	ErrMintStarted = errors.New("ledger: direct mint already started")
)

var unsettled = []models.RewardStatus{models.StatusPending, models.StatusNeedsReconciliation}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger is the off-chain reward store.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps db. The schema must already be migrated.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Ledger) clock() time.Time { return l.now().UTC() }

// WithinVicinity runs fn in one transaction after locking every vicinity
// cell in keys. Cells are locked one at a time in sorted order so competing
// reservations cannot deadlock.
func (l *Ledger) WithinVicinity(ctx context.Context, keys []string, fn func(*Tx) error) error {
	if fn == nil {
		return errors.New("ledger: nil reservation func")
	}
	cells := uniqueSorted(keys)
	if len(cells) == 0 {
		return errors.New("ledger: no vicinity keys")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.clock()
		for _, cell := range cells {
			seed := models.VicinityLock{Key: cell, CreatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return fmt.Errorf("ledger: seed lock %s: %w", cell, err)
			}
			var held models.VicinityLock
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("cell_key = ?", cell).
				First(&held).Error; err != nil {
				return fmt.Errorf("ledger: lock %s: %w", cell, err)
			}
		}
		return fn(&Tx{db: tx, now: now})
	})
}

// ContributorLockKey is the lock row that serialises one contributor's
// reservations, so quota counts taken inside the transaction stay exact.
func ContributorLockKey(contributor string) string {
	return "contributor:" + strings.ToLower(contributor)
}

// Tx is the locked reservation scope handed to WithinVicinity callbacks.
type Tx struct {
	db  *gorm.DB
	now time.Time
}

// DB exposes the transaction handle for reads that must observe the locked state.
func (t *Tx) DB() *gorm.DB { return t.db }

// CountSince counts the contributor's records created at or after since,
// including reservations made earlier in this transaction.
func (t *Tx) CountSince(contributor string, since time.Time) (int64, error) {
	var count int64
	err := t.db.Model(&models.RewardRecord{}).
		Where("contributor = ? AND created_at >= ?", contributor, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count records: %w", err)
	}
	return count, nil
}

// ActiveRecord returns the pending, confirmed or needs_reconciliation record
// holding the reward key, or nil when the key is free.
func (t *Tx) ActiveRecord(rewardKey string) (*models.RewardRecord, error) {
	var record models.RewardRecord
	err := t.db.Where("guard_key = ?", rewardKey).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: active record: %w", err)
	}
	return &record, nil
}

// Reservation describes the facility mutation and reward intent written atomically.
type Reservation struct {
	Kind           models.RewardKind
	Facility       *models.Facility
	Category       models.Category
	Point          geo.Point
	ContentRef     string
	Classification string
	Contributor    string
	IdentityHash   string
	RewardKey      string
	Round          uint64
	Amount         int64
	At             time.Time
	// LeaseOwner, when set, holds the new record for LeaseTTL.
	LeaseOwner string
	LeaseTTL   time.Duration
}

// Reserve creates (NEW) or refreshes (UPDATE) the facility and inserts a
// pending reward record claiming the reward key.
func (t *Tx) Reserve(r Reservation) (*models.RewardRecord, *models.Facility, error) {
	if strings.TrimSpace(r.RewardKey) == "" {
		return nil, nil, errors.New("ledger: reward key required")
	}
	if r.Amount <= 0 {
		return nil, nil, fmt.Errorf("ledger: invalid amount %d", r.Amount)
	}
	at := r.At.UTC()
	if r.At.IsZero() {
		at = t.now
	}

	var facility models.Facility
	switch r.Kind {
	case models.KindNew:
		facility = models.Facility{
			ID:             uuid.New(),
			Category:       r.Category,
			Latitude:       r.Point.Lat,
			Longitude:      r.Point.Lng,
			ContentRef:     r.ContentRef,
			Classification: r.Classification,
			Contributor:    r.Contributor,
			LocationHash:   r.IdentityHash,
			CreatedAt:      at,
			LastVerifiedAt: at,
		}
		if err := t.db.Create(&facility).Error; err != nil {
			return nil, nil, fmt.Errorf("ledger: create facility: %w", err)
		}
	case models.KindUpdate:
		if r.Facility == nil {
			return nil, nil, errors.New("ledger: update requires a facility")
		}
		facility = *r.Facility
		updates := map[string]any{
			"latitude":         r.Point.Lat,
			"longitude":        r.Point.Lng,
			"content_ref":      r.ContentRef,
			"classification":   r.Classification,
			"rounds":           r.Round,
			"last_verified_at": at,
		}
		if err := t.db.Model(&facility).Updates(updates).Error; err != nil {
			return nil, nil, fmt.Errorf("ledger: refresh facility: %w", err)
		}
		facility.Latitude = r.Point.Lat
		facility.Longitude = r.Point.Lng
		facility.ContentRef = r.ContentRef
		facility.Classification = r.Classification
		facility.Rounds = r.Round
		facility.LastVerifiedAt = at
	default:
		return nil, nil, fmt.Errorf("ledger: unknown reward kind %q", r.Kind)
	}

	guard := r.RewardKey
	record := models.RewardRecord{
		ID:           uuid.New(),
		Contributor:  r.Contributor,
		FacilityID:   facility.ID,
		Amount:       r.Amount,
		Kind:         r.Kind,
		Status:       models.StatusPending,
		LocationHash: r.RewardKey,
		GuardKey:     &guard,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	if r.LeaseOwner != "" && r.LeaseTTL > 0 {
		until := at.Add(r.LeaseTTL)
		record.LeaseOwner = r.LeaseOwner
		record.LeaseUntil = &until
	}
	if err := t.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, ErrKeyClaimed
		}
		return nil, nil, fmt.Errorf("ledger: create record: %w", err)
	}
	return &record, &facility, nil
}

// Settlement describes a confirmed on-chain outcome.
type Settlement struct {
	TxRef        string
	IssuedAmount int64
	Path         models.IssuancePath
}

// Confirm marks a pending or needs_reconciliation record confirmed.
func (l *Ledger) Confirm(ctx context.Context, id uuid.UUID, s Settlement) (*models.RewardRecord, error) {
	if s.IssuedAmount < 0 {
		return nil, fmt.Errorf("ledger: negative issued amount %d", s.IssuedAmount)
	}
	now := l.clock()
	updates := map[string]any{
		"status":        models.StatusConfirmed,
		"issued_amount": s.IssuedAmount,
		"issuance_path": s.Path,
		"last_error":    "",
		"settled_at":    now,
		"lease_owner":   "",
		"lease_until":   nil,
	}
	if ref := strings.TrimSpace(s.TxRef); ref != "" {
		updates["tx_ref"] = ref
	}
	return l.transition(ctx, id, models.StatusConfirmed, updates, models.StatusPending, models.StatusNeedsReconciliation)
}

// Fail marks a record failed_fatal and releases its reward key.
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, reason string) (*models.RewardRecord, error) {
	now := l.clock()
	updates := map[string]any{
		"status":      models.StatusFailedFatal,
		"guard_key":   nil,
		"last_error":  truncate(reason),
		"settled_at":  now,
		"lease_owner": "",
		"lease_until": nil,
	}
	return l.transition(ctx, id, models.StatusFailedFatal, updates, models.StatusPending, models.StatusNeedsReconciliation)
}

// MarkNeedsReconciliation parks a record for the out-of-band sweep.
func (l *Ledger) MarkNeedsReconciliation(ctx context.Context, id uuid.UUID, reason string) (*models.RewardRecord, error) {
	updates := map[string]any{
		"status":     models.StatusNeedsReconciliation,
		"last_error": truncate(reason),
	}
	return l.transition(ctx, id, models.StatusNeedsReconciliation, updates, models.StatusPending, models.StatusNeedsReconciliation)
}

// RecordAttempts adds n chain attempts to the record's counter.
func (l *Ledger) RecordAttempts(ctx context.Context, id uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	res := l.db.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + ?", n),
			"updated_at": l.clock(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: record attempts: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Acquire leases an unsettled record to owner for ttl. The lease is taken with
// a conditional update, so across processes at most one settler holds it. The
// current row is returned whether or not the lease was granted; acquired is
// false with ErrLeaseHeld while another owner's lease is live and with
// ErrInvalidTransition once the record is settled.
func (l *Ledger) Acquire(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*models.RewardRecord, error) {
	if strings.TrimSpace(owner) == "" || ttl <= 0 {
		return nil, errors.New("ledger: lease owner and ttl required")
	}
	now := l.clock()
	res := l.db.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ? AND status IN ?", id, unsettled).
		Where("(lease_until IS NULL OR lease_until < ? OR lease_owner = ?)", now, owner).
		Updates(map[string]any{
			"lease_owner": owner,
			"lease_until": now.Add(ttl),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: acquire lease: %w", res.Error)
	}
	record, err := l.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		return record, nil
	}
	if record.Status == models.StatusPending || record.Status == models.StatusNeedsReconciliation {
		return record, ErrLeaseHeld
	}
	return record, fmt.Errorf("%w: record is %s", ErrInvalidTransition, record.Status)
}

// Release drops owner's lease on the record. Releasing a lease held by
// someone else is a no-op.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID, owner string) error {
	err := l.db.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": "", "lease_until": nil}).Error
	if err != nil {
		return fmt.Errorf("ledger: release lease: %w", err)
	}
	return nil
}

// BeginMint records that a direct mint is about to be attempted for the
// record. It succeeds once per record; the marker outlives a failed ledger
// confirmation so the mint is never repeated automatically.
func (l *Ledger) BeginMint(ctx context.Context, id uuid.UUID) error {
	now := l.clock()
	res := l.db.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ? AND status IN ? AND mint_started IS NULL", id, unsettled).
		Updates(map[string]any{"mint_started": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("ledger: begin mint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMintStarted
	}
	return nil
}

func (l *Ledger) transition(ctx context.Context, id uuid.UUID, to models.RewardStatus, updates map[string]any, from ...models.RewardStatus) (*models.RewardRecord, error) {
	var record models.RewardRecord
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		allowed := false
		for _, status := range from {
			if record.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, to)
		}
		updates["updated_at"] = l.clock()
		if err := tx.Model(&models.RewardRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&record, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: transition to %s: %w", to, err)
	}
	return &record, nil
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

const maxReasonBytes = 512

// truncate caps reason at maxReasonBytes without splitting a UTF-8 sequence.
func truncate(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
