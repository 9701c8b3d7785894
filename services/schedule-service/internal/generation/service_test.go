package generation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/medbook/medbook/libs/lock"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
	"github.com/medbook/medbook/services/schedule-service/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sunday, so a 7 day horizon covers Monday 2026-01-05 through Sunday 2026-01-11.
var fixedNow = time.Date(2026, 1, 4, 15, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(store generation.Store, opts generation.Options) *generation.Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return generation.NewService(store, discardLogger(), opts)
}

func enabledConfig(doctorID int64) model.ScheduleConfig {
	cfg := model.DefaultScheduleConfig(doctorID)
	cfg.Enabled = true
	return cfg
}

func seed(t *testing.T, store *memory.Store, configs ...model.ScheduleConfig) {
	t.Helper()
	for _, c := range configs {
		_, err := store.UpsertConfig(context.Background(), c)
		require.NoError(t, err)
	}
}

// countingStore records inserts and can fail for selected doctors.
type countingStore struct {
	*memory.Store
	mu        sync.Mutex
	inserts   int
	failFor   map[int64]error
	failOn    map[string]error
	onInsert  func()
	duplicate map[string]bool
}

func (s *countingStore) InsertSlot(ctx context.Context, slot model.Slot) (int64, error) {
	s.mu.Lock()
	s.inserts++
	err := s.failFor[slot.DoctorID]
	if err == nil {
		err = s.failOn[slot.Date]
	}
	dup := s.duplicate[slot.Date+" "+slot.StartTime]
	hook := s.onInsert
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return 0, err
	}
	if dup {
		return 0, generation.ErrDuplicateSlot
	}
	return s.Store.InsertSlot(ctx, slot)
}

func TestRun_GeneratesFutureWorkingDays(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1))
	svc := newService(store, generation.Options{})

	report, err := svc.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 70, report.Generated)
	assert.Equal(t, 1, report.Doctors)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Details, 1)
	assert.Equal(t, generation.DoctorResult{DoctorID: 1, Generated: 70}, report.Details[0])

	today, err := store.ListSlots(context.Background(), 1, "2026-01-04", "2026-01-04")
	require.NoError(t, err)
	assert.Empty(t, today, "today is never generated")

	weekend, err := store.ListSlots(context.Background(), 1, "2026-01-10", "2026-01-11")
	require.NoError(t, err)
	assert.Empty(t, weekend)

	lastDay, err := store.ListSlots(context.Background(), 1, "2026-01-09", "2026-01-09")
	require.NoError(t, err)
	assert.Len(t, lastDay, 14)
}

func TestRun_IsIdempotent(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1))
	svc := newService(store, generation.Options{})

	first, err := svc.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 70, first.Generated)

	second, err := svc.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, second.Generated)
	assert.Zero(t, second.Details[0].Generated)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_SkipsDatesWithAnyExistingSlot(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1))
	_, err := store.CreateSlot(context.Background(), model.Slot{
		DoctorID: 1, Date: "2026-01-05", StartTime: "07:00", EndTime: "07:30", Status: model.SlotBusy,
	})
	require.NoError(t, err)

	report, err := newService(store, generation.Options{}).Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 56, report.Generated)

	monday, _ := store.ListSlots(context.Background(), 1, "2026-01-05", "2026-01-05")
	assert.Len(t, monday, 1)
}

func TestRun_DaysZeroUsesAdvanceDays(t *testing.T) {
	store := memory.New()
	short := enabledConfig(1)
	short.AdvanceDays = 1
	long := enabledConfig(2)
	long.AdvanceDays = 2
	seed(t, store, short, long)

	report, err := newService(store, generation.Options{}).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, report.Details, 2)
	assert.Equal(t, 14, report.Details[0].Generated)
	assert.Equal(t, 28, report.Details[1].Generated)
	assert.Equal(t, 42, report.Generated)
}

func TestRunConfigs_DisabledConfigInsertsNothing(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	svc := newService(store, generation.Options{})

	report, err := svc.RunConfigs(context.Background(), []model.ScheduleConfig{model.DefaultScheduleConfig(3)}, 30)
	require.NoError(t, err)
	assert.Zero(t, report.Generated)
	assert.Zero(t, store.inserts)
	require.Len(t, report.Details, 1)
	assert.True(t, report.Details[0].Skipped)
}

func TestRun_IsolatesDoctorFailure(t *testing.T) {
	store := &countingStore{
		Store:   memory.New(),
		failFor: map[int64]error{2: errors.New("connection reset")},
	}
	seed(t, store.Store, enabledConfig(1), enabledConfig(2), enabledConfig(3))

	report, err := newService(store, generation.Options{}).Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, report.Details, 3)
	assert.Equal(t, 14, report.Details[0].Generated)
	assert.Zero(t, report.Details[1].Generated)
	require.Len(t, report.Details[1].FailedDates, 1)
	assert.Equal(t, "2026-01-05", report.Details[1].FailedDates[0].Date)
	assert.Contains(t, report.Details[1].FailedDates[0].Error, "connection reset")
	assert.Equal(t, 14, report.Details[2].Generated)
	assert.Equal(t, 28, report.Generated)
	assert.Equal(t, 1, report.Failed())
}

func TestRun_FailedDateDoesNotStopLaterDates(t *testing.T) {
	store := &countingStore{
		Store:  memory.New(),
		failOn: map[string]error{"2026-01-05": errors.New("connection reset")},
	}
	seed(t, store.Store, enabledConfig(1))

	report, err := newService(store, generation.Options{}).Run(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, report.Details, 1)
	got := report.Details[0]
	assert.Empty(t, got.Error)
	assert.Equal(t, 56, got.Generated)
	assert.Equal(t, 56, report.Generated)
	require.Len(t, got.FailedDates, 1)
	assert.Equal(t, "2026-01-05", got.FailedDates[0].Date)
	assert.Contains(t, got.FailedDates[0].Error, "connection reset")
	assert.Equal(t, 1, report.Failed())

	monday, err := store.ListSlots(context.Background(), 1, "2026-01-05", "2026-01-05")
	require.NoError(t, err)
	assert.Empty(t, monday)
	tuesday, err := store.ListSlots(context.Background(), 1, "2026-01-06", "2026-01-06")
	require.NoError(t, err)
	assert.Len(t, tuesday, 14)

	// The failed date is picked up by the next run.
	store.failOn = nil
	again, err := newService(store, generation.Options{}).Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 14, again.Generated)
	assert.Empty(t, again.Details[0].FailedDates)
}

func TestRun_InvalidConfigFailsOnlyThatDoctor(t *testing.T) {
	store := memory.New()
	bad := enabledConfig(1)
	bad.WorkStart = "25:00"
	seed(t, store, bad, enabledConfig(2))

	report, err := newService(store, generation.Options{}).Run(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Details[0].Error)
	assert.Equal(t, 14, report.Details[1].Generated)
}

func TestRun_SwallowsDuplicateSlot(t *testing.T) {
	store := &countingStore{
		Store:     memory.New(),
		duplicate: map[string]bool{"2026-01-05 09:00": true},
	}
	seed(t, store.Store, enabledConfig(1))

	report, err := newService(store, generation.Options{}).Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 13, report.Generated)
	assert.Empty(t, report.Details[0].Error)
}

func TestRun_CancellationReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &countingStore{Store: memory.New()}
	seed(t, store.Store, enabledConfig(1), enabledConfig(2))
	store.onInsert = func() {
		// Cancel once the first doctor's first day is committed.
		if store.inserts == 14 {
			cancel()
		}
	}

	report, err := newService(store, generation.Options{}).Run(ctx, 7)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	require.Len(t, report.Details, 1)
	assert.Equal(t, int64(1), report.Details[0].DoctorID)
	assert.Equal(t, 14, report.Generated)

	second, _ := store.ListSlots(context.Background(), 2, "2026-01-01", "2026-12-31")
	assert.Empty(t, second, "doctors after the cancellation point are not touched")
}

func TestRun_LegacyBreakPolicy(t *testing.T) {
	store := memory.New()
	cfg := enabledConfig(1)
	cfg.SlotDurationMinutes = 45
	cfg.WorkStart = "09:30"
	seed(t, store, cfg)

	strict, err := newService(store, generation.Options{}).RunForConfig(context.Background(), cfg, 1)
	require.NoError(t, err)

	other := memory.New()
	seed(t, other, cfg)
	legacy, err := newService(other, generation.Options{BreakPolicy: slots.BreakPolicyLegacy}).RunForConfig(context.Background(), cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, strict.Generated+1, legacy.Generated)
}

func TestRunForDoctor(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1), model.DefaultScheduleConfig(2))
	svc := newService(store, generation.Options{})

	report, err := svc.RunForDoctor(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 42, report.Generated)

	_, err = svc.RunForDoctor(context.Background(), 2, 3)
	require.ErrorIs(t, err, generation.ErrConfigNotFound)

	_, err = svc.RunForDoctor(context.Background(), 99, 3)
	require.ErrorIs(t, err, generation.ErrConfigNotFound)
}

func TestRun_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	store := memory.New()
	seed(t, store, enabledConfig(1))
	// 15:30 UTC Sunday is already Monday 01:30 in UTC+10, so tomorrow is Tuesday.
	svc := newService(store, generation.Options{Location: loc})

	_, err := svc.Run(context.Background(), 1)
	require.NoError(t, err)
	tuesday, _ := store.ListSlots(context.Background(), 1, "2026-01-06", "2026-01-06")
	assert.Len(t, tuesday, 14)
}

func TestRun_LockHeldElsewhereSkipsDoctor(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1), enabledConfig(2))
	locker := lock.NewMemoryLocker()
	release, err := locker.Acquire(context.Background(), "schedule-generation:1", time.Minute)
	require.NoError(t, err)
	defer func() { _ = release(context.Background()) }()

	report, err := newService(store, generation.Options{Locker: locker}).Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, report.Details, 2)
	assert.True(t, report.Details[0].Skipped)
	assert.Zero(t, report.Details[0].Generated)
	assert.Equal(t, 14, report.Details[1].Generated)

	_, err = locker.Acquire(context.Background(), "schedule-generation:2", time.Minute)
	assert.NoError(t, err, "lock must be released after the doctor finishes")
}

type recordingPublisher struct {
	events []generation.SlotsGenerated
	err    error
}

func (p *recordingPublisher) PublishSlotsGenerated(_ context.Context, ev generation.SlotsGenerated) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestRun_PublishesOnlyWhenSlotsCreated(t *testing.T) {
	store := memory.New()
	seed(t, store, enabledConfig(1))
	pub := &recordingPublisher{}
	svc := newService(store, generation.Options{Publisher: pub})

	report, err := svc.Run(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, report.RunID, ev.RunID)
	assert.Equal(t, int64(1), ev.DoctorID)
	assert.Equal(t, 70, ev.Generated)
	assert.Equal(t, "2026-01-05", ev.FromDate)
	assert.Equal(t, "2026-01-11", ev.ToDate)

	pub.err = errors.New("broker down")
	_, err = svc.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, pub.events, 1, "idempotent rerun publishes nothing")
}
