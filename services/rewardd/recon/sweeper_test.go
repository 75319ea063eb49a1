package recon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"help2earn/services/rewardd/chain"
	"help2earn/services/rewardd/geo"
	"help2earn/services/rewardd/ledger"
	"help2earn/services/rewardd/locationhash"
	"help2earn/services/rewardd/models"
	"help2earn/services/rewardd/store"
)

type stubRedriver struct {
	mu       sync.Mutex
	outcomes map[uuid.UUID]chain.Outcome
	errs     map[uuid.UUID]error
	inFlight map[uuid.UUID]bool
	halted   bool
	haltOn   uuid.UUID
	calls    []uuid.UUID
	// gate, when set, holds every Redrive until it is closed.
	gate   chan struct{}
	active int
	peak   int
}

func newStubRedriver() *stubRedriver {
	return &stubRedriver{
		outcomes: make(map[uuid.UUID]chain.Outcome),
		errs:     make(map[uuid.UUID]error),
		inFlight: make(map[uuid.UUID]bool),
	}
}

func (s *stubRedriver) Redrive(_ context.Context, record models.RewardRecord) (chain.Outcome, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.calls = append(s.calls, record.ID)
	if record.ID == s.haltOn {
		s.halted = true
	}
	return s.outcomes[record.ID], s.errs[record.ID]
}

func (s *stubRedriver) InFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

func (s *stubRedriver) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func setupLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := store.Open(store.MemoryDSN())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return ledger.New(db)
}

func parkedRecord(t *testing.T, l *ledger.Ledger, lat float64, attempts int) models.RewardRecord {
	t.Helper()
	ctx := context.Background()
	key := locationhash.Compute(lat, 121.4737, "ramp")
	var record *models.RewardRecord
	err := l.WithinVicinity(ctx, []string{key.Hex()}, func(tx *ledger.Tx) error {
		var err error
		record, _, err = tx.Reserve(ledger.Reservation{
			Kind:         models.KindNew,
			Category:     models.CategoryRamp,
			Point:        geo.Point{Lat: lat, Lng: 121.4737},
			Contributor:  "0x00000000000000000000000000000000000a11ce",
			IdentityHash: key.Hex(),
			RewardKey:    key.Hex(),
			Amount:       50,
			At:           time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.RecordAttempts(ctx, record.ID, attempts); err != nil {
		t.Fatalf("record attempts: %v", err)
	}
	parked, err := l.MarkNeedsReconciliation(ctx, record.ID, "rpc unavailable")
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	return *parked
}

func TestSweeperResolvesAndFailsRecords(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	resolved := parkedRecord(t, l, 31.2304, 5)
	exhausted := parkedRecord(t, l, 32.2304, 30)
	stuck := parkedRecord(t, l, 33.2304, 5)
	busy := parkedRecord(t, l, 34.2304, 1)

	redriver := newStubRedriver()
	redriver.outcomes[resolved.ID] = chain.OutcomeConfirmed
	redriver.outcomes[stuck.ID] = chain.OutcomeTransient
	redriver.errs[stuck.ID] = errors.New("rpc unavailable")
	redriver.inFlight[busy.ID] = true

	var alerts []Anomaly
	dir := t.TempDir()
	sweeper, err := NewSweeper(Config{
		Ledger:   l,
		Redriver: redriver,
		Alert: func(_ context.Context, a Anomaly) error {
			alerts = append(alerts, a)
			return nil
		},
		OutputDir: dir,
	})
	require.NoError(t, err)

	res, err := sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Examined)
	require.Equal(t, 1, res.Resolved)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Unresolved, 1)
	require.Equal(t, stuck.ID, res.Unresolved[0].RecordID)
	require.NotContains(t, redriver.calls, busy.ID)
	require.NotContains(t, redriver.calls, exhausted.ID)

	failed, err := l.Record(ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailedFatal, failed.Status)
	require.Nil(t, failed.GuardKey)

	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	require.ElementsMatch(t, []string{AnomalyAttemptsExhausted, AnomalyRedriveFailed}, types)

	for _, path := range []string{res.CSVPath, res.Parquet} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NotZero(t, info.Size())
	}
}

func TestSweeperSkipsWhileHalted(t *testing.T) {
	l := setupLedger(t)
	parkedRecord(t, l, 31.2304, 1)

	redriver := newStubRedriver()
	redriver.halted = true
	sweeper, err := NewSweeper(Config{Ledger: l, Redriver: redriver})
	require.NoError(t, err)

	res, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, redriver.calls)
}

func TestSweeperStopsWhenRedriveHalts(t *testing.T) {
	l := setupLedger(t)
	first := parkedRecord(t, l, 31.2304, 1)
	parkedRecord(t, l, 32.2304, 1)

	redriver := newStubRedriver()
	redriver.haltOn = first.ID
	redriver.outcomes[first.ID] = chain.OutcomeAuthorization
	redriver.errs[first.ID] = errors.New("configuration error")
	sweeper, err := NewSweeper(Config{Ledger: l, Redriver: redriver})
	require.NoError(t, err)

	res, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, redriver.calls, 1)
	require.Len(t, res.Unresolved, 2)
}

func TestSweeperLeavesLeasedRecords(t *testing.T) {
	l := setupLedger(t)
	leased := parkedRecord(t, l, 31.2304, 1)

	redriver := newStubRedriver()
	redriver.errs[leased.ID] = fmt.Errorf("record busy: %w", ledger.ErrLeaseHeld)
	var alerts []Anomaly
	sweeper, err := NewSweeper(Config{
		Ledger:   l,
		Redriver: redriver,
		Alert: func(_ context.Context, a Anomaly) error {
			alerts = append(alerts, a)
			return nil
		},
	})
	require.NoError(t, err)

	res, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Examined)
	require.Empty(t, res.Unresolved)
	require.Empty(t, alerts)
}

func TestSweeperRunsAreSerialised(t *testing.T) {
	l := setupLedger(t)
	parkedRecord(t, l, 31.2304, 1)

	redriver := newStubRedriver()
	redriver.gate = make(chan struct{})
	sweeper, err := NewSweeper(Config{Ledger: l, Redriver: redriver})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sweeper.Run(context.Background()); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(redriver.gate)
	wg.Wait()

	require.Equal(t, 1, redriver.peak, "a record is never re-driven by two sweeps at once")
	require.Len(t, redriver.calls, 2)
}

func TestSweeperReportFailureKeepsResult(t *testing.T) {
	l := setupLedger(t)
	stuck := parkedRecord(t, l, 31.2304, 1)

	redriver := newStubRedriver()
	redriver.outcomes[stuck.ID] = chain.OutcomeTransient
	redriver.errs[stuck.ID] = errors.New(`Post "https://rpc.example/v3/s3cr3t": connection refused`)

	// A regular file where the report directory should go.
	blocker := filepath.Join(t.TempDir(), "reports")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	sweeper, err := NewSweeper(Config{Ledger: l, Redriver: redriver, OutputDir: blocker})
	require.NoError(t, err)

	res, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.ReportErr)
	require.Len(t, res.Unresolved, 1)
	require.False(t, strings.Contains(res.Unresolved[0].Detail, "s3cr3t"), "endpoint secrets are scrubbed: %s", res.Unresolved[0].Detail)
}
