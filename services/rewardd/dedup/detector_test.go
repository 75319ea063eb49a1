package dedup

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"help2earn/services/rewardd/geo"
	"help2earn/services/rewardd/models"
	"help2earn/services/rewardd/store"
)

var origin = geo.Point{Lat: 31.2304, Lng: 121.4737}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(store.MemoryDSN())
	require.NoError(t, err)
	return db
}

func seedFacility(t *testing.T, db *gorm.DB, category models.Category, p geo.Point, verified time.Time) models.Facility {
	t.Helper()
	facility := models.Facility{
		ID:             uuid.New(),
		Category:       category,
		Latitude:       p.Lat,
		Longitude:      p.Lng,
		CreatedAt:      verified,
		LastVerifiedAt: verified,
	}
	require.NoError(t, db.Create(&facility).Error)
	return facility
}

func TestDetectNewWithoutCandidates(t *testing.T) {
	db := openDB(t)
	detector, err := NewDetector(DefaultRadiusMeters, DefaultCooldown)
	require.NoError(t, err)

	res, err := detector.Detect(context.Background(), db, models.CategoryRamp, origin, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, DecisionNew, res.Decision)
	require.Nil(t, res.Facility)
}

func TestDetectCooldownBoundaries(t *testing.T) {
	db := openDB(t)
	detector, err := NewDetector(DefaultRadiusMeters, DefaultCooldown)
	require.NoError(t, err)
	verified := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seeded := seedFacility(t, db, models.CategoryRamp, origin, verified)

	cases := []struct {
		name string
		now  time.Time
		want Decision
	}{
		{"one day later", verified.Add(24 * time.Hour), DecisionDuplicate},
		{"one second before window", verified.Add(DefaultCooldown - time.Second), DecisionDuplicate},
		{"exactly at window", verified.Add(DefaultCooldown), DecisionUpdate},
		{"twenty days later", verified.Add(20 * 24 * time.Hour), DecisionUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := detector.Detect(context.Background(), db, models.CategoryRamp, origin, tc.now)
			require.NoError(t, err)
			require.Equal(t, tc.want, res.Decision)
			require.NotNil(t, res.Facility)
			require.Equal(t, seeded.ID, res.Facility.ID)
		})
	}
}

func TestDetectRadiusBoundary(t *testing.T) {
	db := openDB(t)
	facilityPoint := geo.Point{Lat: origin.Lat + 0.0004, Lng: origin.Lng + 0.0002}
	verified := time.Now().UTC().Add(-time.Hour)
	seedFacility(t, db, models.CategoryToilet, facilityPoint, verified)
	exact := geo.Distance(origin, facilityPoint)

	atRadius, err := NewDetector(exact, DefaultCooldown)
	require.NoError(t, err)
	res, err := atRadius.Detect(context.Background(), db, models.CategoryToilet, origin, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, DecisionDuplicate, res.Decision, "candidate exactly at R is in range")
	require.InDelta(t, exact, res.Distance, 1e-9)

	inside, err := NewDetector(exact-0.01, DefaultCooldown)
	require.NoError(t, err)
	res, err = inside.Detect(context.Background(), db, models.CategoryToilet, origin, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, DecisionNew, res.Decision)
}

func TestDetectRadiusBoundaryAlongAxes(t *testing.T) {
	step := DefaultRadiusMeters / geo.EarthRadiusMeters * 180 / math.Pi
	cases := []struct {
		name string
		p    geo.Point
	}{
		{"north", geo.Point{Lat: origin.Lat + step, Lng: origin.Lng}},
		{"south", geo.Point{Lat: origin.Lat - step, Lng: origin.Lng}},
		{"east", geo.Point{Lat: origin.Lat, Lng: origin.Lng + step/math.Cos(origin.Lat*math.Pi/180)}},
		{"west", geo.Point{Lat: origin.Lat, Lng: origin.Lng - step/math.Cos(origin.Lat*math.Pi/180)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := openDB(t)
			seedFacility(t, db, models.CategoryRamp, tc.p, time.Now().UTC().Add(-time.Hour))
			exact := geo.Distance(origin, tc.p)
			require.InDelta(t, DefaultRadiusMeters, exact, 0.01)

			detector, err := NewDetector(exact, DefaultCooldown)
			require.NoError(t, err)
			res, err := detector.Detect(context.Background(), db, models.CategoryRamp, origin, time.Now().UTC())
			require.NoError(t, err)
			require.Equal(t, DecisionDuplicate, res.Decision, "candidate exactly at R is in range")

			keys := detector.LockKeys(models.CategoryRamp, origin)
			require.Contains(t, keys, geo.CellOf(string(models.CategoryRamp), tc.p, exact))
		})
	}
}

func TestDetectIgnoresOtherCategories(t *testing.T) {
	db := openDB(t)
	detector, err := NewDetector(DefaultRadiusMeters, DefaultCooldown)
	require.NoError(t, err)
	seedFacility(t, db, models.CategoryElevator, origin, time.Now().UTC())

	res, err := detector.Detect(context.Background(), db, models.CategoryRamp, origin, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, DecisionNew, res.Decision)
}

func TestNearestTieBreak(t *testing.T) {
	db := openDB(t)
	detector, err := NewDetector(DefaultRadiusMeters, DefaultCooldown)
	require.NoError(t, err)
	now := time.Now().UTC()

	far := seedFacility(t, db, models.CategoryRamp, geo.Point{Lat: origin.Lat + 0.0003, Lng: origin.Lng}, now)
	older := seedFacility(t, db, models.CategoryRamp, geo.Point{Lat: origin.Lat + 0.0001, Lng: origin.Lng}, now.Add(-48*time.Hour))
	newer := seedFacility(t, db, models.CategoryRamp, geo.Point{Lat: origin.Lat + 0.0001, Lng: origin.Lng}, now.Add(-time.Hour))

	nearest, _, err := detector.Nearest(context.Background(), db, models.CategoryRamp, origin)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	require.Equal(t, newer.ID, nearest.ID)
	require.NotEqual(t, older.ID, nearest.ID)
	require.NotEqual(t, far.ID, nearest.ID)
}

func TestNewDetectorValidates(t *testing.T) {
	_, err := NewDetector(0, DefaultCooldown)
	require.Error(t, err)
	_, err = NewDetector(DefaultRadiusMeters, 0)
	require.Error(t, err)
}
