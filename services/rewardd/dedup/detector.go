// Package dedup decides whether a classified observation describes a new
// facility, a re-verification of a known one, or a duplicate inside the
// cooldown window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"help2earn/services/rewardd/geo"
	"help2earn/services/rewardd/models"
)

// Decision is the outcome of duplicate detection.
type Decision string

// Detection outcomes.
const (
	DecisionNew       Decision = "NEW"
	DecisionUpdate    Decision = "UPDATE"
	DecisionDuplicate Decision = "DUPLICATE"
)

const (
	// DefaultRadiusMeters is the vicinity radius R.
	DefaultRadiusMeters = 50.0
	// DefaultCooldown is the re-verification window W.
	DefaultCooldown = 15 * 24 * time.Hour
)

// Result carries the decision and, for UPDATE and DUPLICATE, the matched facility.
type Result struct {
	Decision Decision
	Facility *models.Facility
	Distance float64
}

// Detector classifies observations against the stored facilities.
type Detector struct {
	radius   float64
	cooldown time.Duration
}

// NewDetector constructs a detector with the supplied radius and cooldown.
func NewDetector(radiusMeters float64, cooldown time.Duration) (*Detector, error) {
	if radiusMeters <= 0 {
		return nil, errors.New("dedup: radius must be positive")
	}
	if cooldown <= 0 {
		return nil, errors.New("dedup: cooldown must be positive")
	}
	return &Detector{radius: radiusMeters, cooldown: cooldown}, nil
}

// Radius returns the vicinity radius in metres.
func (d *Detector) Radius() float64 { return d.radius }

// Cooldown returns the re-verification window.
func (d *Detector) Cooldown() time.Duration { return d.cooldown }

// LockKeys returns the vicinity cells a reservation at p must hold.
func (d *Detector) LockKeys(category models.Category, p geo.Point) []string {
	return geo.CellKeys(string(category), p, d.radius)
}

// Detect classifies the observation using db, which must be the handle of the
// transaction holding the vicinity locks.
func (d *Detector) Detect(ctx context.Context, db *gorm.DB, category models.Category, p geo.Point, now time.Time) (Result, error) {
	nearest, distance, err := d.Nearest(ctx, db, category, p)
	if err != nil {
		return Result{}, err
	}
	if nearest == nil {
		return Result{Decision: DecisionNew}, nil
	}
	elapsed := now.Sub(nearest.LastVerifiedAt)
	if elapsed >= d.cooldown {
		return Result{Decision: DecisionUpdate, Facility: nearest, Distance: distance}, nil
	}
	return Result{Decision: DecisionDuplicate, Facility: nearest, Distance: distance}, nil
}

// Nearest returns the closest facility of the same category within the radius.
// Ties are broken by the most recent verification and then by ID.
func (d *Detector) Nearest(ctx context.Context, db *gorm.DB, category models.Category, p geo.Point) (*models.Facility, float64, error) {
	box := geo.BoundingBox(p, d.radius)
	var candidates []models.Facility
	err := db.WithContext(ctx).
		Where("category = ?", category).
		Where("latitude BETWEEN ? AND ?", box.MinLat, box.MaxLat).
		Where("longitude BETWEEN ? AND ?", box.MinLng, box.MaxLng).
		Find(&candidates).Error
	if err != nil {
		return nil, 0, fmt.Errorf("dedup: candidate lookup: %w", err)
	}

	type scored struct {
		facility models.Facility
		distance float64
	}
	inRange := make([]scored, 0, len(candidates))
	for _, candidate := range candidates {
		distance := geo.Distance(p, geo.Point{Lat: candidate.Latitude, Lng: candidate.Longitude})
		if distance <= d.radius {
			inRange = append(inRange, scored{facility: candidate, distance: distance})
		}
	}
	if len(inRange) == 0 {
		return nil, 0, nil
	}
	sort.SliceStable(inRange, func(i, j int) bool {
		a, b := inRange[i], inRange[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if !a.facility.LastVerifiedAt.Equal(b.facility.LastVerifiedAt) {
			return a.facility.LastVerifiedAt.After(b.facility.LastVerifiedAt)
		}
		return a.facility.ID.String() < b.facility.ID.String()
	})
	best := inRange[0]
	return &best.facility, best.distance, nil
}
