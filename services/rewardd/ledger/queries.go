package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"help2earn/services/rewardd/models"
)

// Record loads a reward record by ID.
func (l *Ledger) Record(ctx context.Context, id uuid.UUID) (*models.RewardRecord, error) {
	var record models.RewardRecord
	if err := l.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: load record: %w", err)
	}
	return &record, nil
}

// Facility loads a facility by ID.
func (l *Ledger) Facility(ctx context.Context, id uuid.UUID) (*models.Facility, error) {
	var facility models.Facility
	if err := l.db.WithContext(ctx).First(&facility, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: load facility: %w", err)
	}
	return &facility, nil
}

// ListForReconciliation returns records parked for reconciliation and pending
// records created before staleBefore, oldest first.
func (l *Ledger) ListForReconciliation(ctx context.Context, staleBefore time.Time, limit int) ([]models.RewardRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []models.RewardRecord
	err := l.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND created_at < ?)",
			models.StatusNeedsReconciliation, models.StatusPending, staleBefore.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list reconciliation backlog: %w", err)
	}
	return records, nil
}

// ContributorSummary aggregates one contributor's rewards.
type ContributorSummary struct {
	Contributor       string                `json:"contributor"`
	TotalEarned       int64                 `json:"total_earned"`
	ContributionCount int64                 `json:"contribution_count"`
	Rewards           []models.RewardRecord `json:"rewards"`
}

// ContributorRewards lists a contributor's most recent rewards with their
// confirmed totals.
func (l *Ledger) ContributorRewards(ctx context.Context, contributor string, limit int) (*ContributorSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	summary := &ContributorSummary{Contributor: contributor}
	db := l.db.WithContext(ctx)
	if err := db.Where("contributor = ?", contributor).
		Order("created_at DESC").
		Limit(limit).
		Find(&summary.Rewards).Error; err != nil {
		return nil, fmt.Errorf("ledger: list contributor rewards: %w", err)
	}
	var totals struct {
		Earned int64
		Count  int64
	}
	if err := db.Model(&models.RewardRecord{}).
		Select("COALESCE(SUM(issued_amount), 0) AS earned, COUNT(*) AS count").
		Where("contributor = ? AND status = ?", contributor, models.StatusConfirmed).
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("ledger: contributor totals: %w", err)
	}
	summary.TotalEarned = totals.Earned
	summary.ContributionCount = totals.Count
	return summary, nil
}

// Stats summarises reward activity.
type Stats struct {
	TotalRewards       int64 `json:"total_rewards"`
	NewRewards         int64 `json:"new_rewards"`
	UpdateRewards      int64 `json:"update_rewards"`
	UniqueContributors int64 `json:"unique_contributors"`
	IssuedTotal        int64 `json:"issued_total"`
	Pending            int64 `json:"pending"`
	NeedsReconcile     int64 `json:"needs_reconciliation"`
	FailedFatal        int64 `json:"failed_fatal"`
}

// Stats aggregates reward records, optionally scoped to one contributor.
func (l *Ledger) Stats(ctx context.Context, contributor string) (Stats, error) {
	scoped := func() *gorm.DB {
		q := l.db.WithContext(ctx).Model(&models.RewardRecord{})
		if c := strings.TrimSpace(contributor); c != "" {
			q = q.Where("contributor = ?", c)
		}
		return q
	}
	var stats Stats
	if err := scoped().Where("status = ?", models.StatusConfirmed).Count(&stats.TotalRewards).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: stats total: %w", err)
	}
	if err := scoped().Where("status = ? AND kind = ?", models.StatusConfirmed, models.KindNew).Count(&stats.NewRewards).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: stats new: %w", err)
	}
	if err := scoped().Where("status = ? AND kind = ?", models.StatusConfirmed, models.KindUpdate).Count(&stats.UpdateRewards).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: stats updates: %w", err)
	}
	if err := scoped().Distinct("contributor").Count(&stats.UniqueContributors).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: stats contributors: %w", err)
	}
	if err := scoped().Where("status = ?", models.StatusConfirmed).
		Select("COALESCE(SUM(issued_amount), 0)").Scan(&stats.IssuedTotal).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: stats issued: %w", err)
	}
	for status, dst := range map[models.RewardStatus]*int64{
		models.StatusPending:             &stats.Pending,
		models.StatusNeedsReconciliation: &stats.NeedsReconcile,
		models.StatusFailedFatal:         &stats.FailedFatal,
	} {
		if err := scoped().Where("status = ?", status).Count(dst).Error; err != nil {
			return Stats{}, fmt.Errorf("ledger: stats %s: %w", status, err)
		}
	}
	return stats, nil
}

// IssuedTotal returns the whole tokens confirmed across all records.
func (l *Ledger) IssuedTotal(ctx context.Context) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("status = ?", models.StatusConfirmed).
		Select("COALESCE(SUM(issued_amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: issued total: %w", err)
	}
	return total, nil
}
