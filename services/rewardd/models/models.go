package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Category enumerates the facility kinds the classifier can report.
type Category string

// Supported facility categories.
const (
	CategoryRamp       Category = "ramp"
	CategoryToilet     Category = "toilet"
	CategoryElevator   Category = "elevator"
	CategoryWheelchair Category = "wheelchair"
)

// Categories lists every supported category.
func Categories() []Category {
	return []Category{CategoryRamp, CategoryToilet, CategoryElevator, CategoryWheelchair}
}

// Valid reports whether c is a supported category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRamp, CategoryToilet, CategoryElevator, CategoryWheelchair:
		return true
	}
	return false
}

// RewardKind distinguishes first verification from re-verification.
type RewardKind string

// Reward kinds.
const (
	KindNew    RewardKind = "NEW"
	KindUpdate RewardKind = "UPDATE"
)

// RewardStatus is the persisted settlement status of a reward record.
type RewardStatus string

// Reward statuses.
const (
	StatusPending             RewardStatus = "pending"
	StatusConfirmed           RewardStatus = "confirmed"
	StatusFailedFatal         RewardStatus = "failed_fatal"
	StatusNeedsReconciliation RewardStatus = "needs_reconciliation"
)

// Active reports whether the status still claims the reward key.
func (s RewardStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusNeedsReconciliation
}

// IssuancePath records how a confirmed reward was settled on chain.
type IssuancePath string

// Issuance paths.
const (
	PathDistributor     IssuancePath = "distributor"
	PathDirectMint      IssuancePath = "direct_mint"
	PathAlreadyVerified IssuancePath = "already_verified"
)

// Facility is a physical accessibility facility known to the service.
type Facility struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Category       Category  `gorm:"size:32;not null;index:idx_facility_vicinity,priority:1"`
	Latitude       float64   `gorm:"not null;index:idx_facility_vicinity,priority:2"`
	Longitude      float64   `gorm:"not null;index:idx_facility_vicinity,priority:3"`
	ContentRef     string    `gorm:"size:512"`
	Classification string    `gorm:"type:text"`
	Contributor    string    `gorm:"size:42;index"`
	LocationHash   string    `gorm:"size:66;index"`
	Rounds         uint64    `gorm:"not null;default:0"`
	CreatedAt      time.Time
	LastVerifiedAt time.Time `gorm:"index"`
}

// RewardRecord is the off-chain record of one reward intent and its outcome.
// GuardKey mirrors LocationHash while the status is active and is cleared when
// the record fails fatally, so the unique index admits one active claim per key.
// LeaseOwner and LeaseUntil name the process settling the record; MintStarted
// is set before a direct mint is attempted and never cleared.
type RewardRecord struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Contributor  string       `gorm:"size:42;not null;index:idx_reward_contributor,priority:1"`
	FacilityID   uuid.UUID    `gorm:"type:uuid;index"`
	Amount       int64        `gorm:"not null"`
	IssuedAmount int64        `gorm:"not null;default:0"`
	TxRef        *string      `gorm:"size:80"`
	Kind         RewardKind   `gorm:"size:16;not null"`
	Status       RewardStatus `gorm:"size:32;not null;index"`
	LocationHash string       `gorm:"size:66;not null;index"`
	GuardKey     *string      `gorm:"size:66;uniqueIndex"`
	IssuancePath IssuancePath `gorm:"size:32"`
	Attempts     int          `gorm:"not null;default:0"`
	LastError    string       `gorm:"size:512"`
	LeaseOwner   string       `gorm:"size:64"`
	LeaseUntil   *time.Time
	MintStarted  *time.Time
	CreatedAt    time.Time `gorm:"index:idx_reward_contributor,priority:2"`
	UpdatedAt    time.Time
	SettledAt    *time.Time
}

// VicinityLock rows exist only to be locked during a reservation.
type VicinityLock struct {
	Key       string `gorm:"column:cell_key;primaryKey;size:128"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the rewardd schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Facility{}, &RewardRecord{}, &VicinityLock{})
}
