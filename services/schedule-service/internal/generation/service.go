package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/medbook/medbook/libs/lock"
	"github.com/medbook/medbook/services/schedule-service/internal/clock"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DateFailure is a date whose slots could not all be written. Other dates of
// the same doctor are still generated.
type DateFailure struct {
	Date  string `json:"date"`
	Error string `json:"error"`
}

type DoctorResult struct {
	DoctorID    int64         `json:"doctor_id"`
	Generated   int           `json:"generated"`
	Skipped     bool          `json:"skipped,omitempty"`
	Error       string        `json:"error,omitempty"`
	FailedDates []DateFailure `json:"failed_dates,omitempty"`
}

type Report struct {
	RunID     string         `json:"run_id"`
	Generated int            `json:"generated"`
	Doctors   int            `json:"doctors"`
	Details   []DoctorResult `json:"details"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// Failed counts doctors with an error or at least one failed date.
func (r Report) Failed() int {
	n := 0
	for _, d := range r.Details {
		if d.Error != "" || len(d.FailedDates) > 0 {
			n++
		}
	}
	return n
}

type Options struct {
	Location    *time.Location
	BreakPolicy slots.BreakPolicy
	Locker      Locker
	LockTTL     time.Duration
	Publisher   Publisher
	Now         func() time.Time
}

type Service struct {
	store     Store
	logger    *slog.Logger
	loc       *time.Location
	policy    slots.BreakPolicy
	locker    Locker
	lockTTL   time.Duration
	publisher Publisher
	now       func() time.Time
	tracer    trace.Tracer
}

func NewService(store Store, logger *slog.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		logger:    logger,
		loc:       opts.Location,
		policy:    opts.BreakPolicy,
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		publisher: opts.Publisher,
		now:       opts.Now,
		tracer:    otel.Tracer("schedule-generation"),
	}
}

// Run generates slots for every enabled config. days <= 0 uses each
// config's own AdvanceDays.
func (s *Service) Run(ctx context.Context, days int) (Report, error) {
	configs, err := s.store.EnabledConfigs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load enabled configs: %w", err)
	}
	return s.RunConfigs(ctx, configs, days)
}

// RunForDoctor resolves the doctor's config and generates for it alone.
func (s *Service) RunForDoctor(ctx context.Context, doctorID int64, days int) (Report, error) {
	cfg, err := s.store.GetConfig(ctx, doctorID)
	if err != nil {
		return Report{}, err
	}
	if !cfg.Enabled {
		return Report{}, fmt.Errorf("%w: doctor %d has auto scheduling disabled", ErrConfigNotFound, doctorID)
	}
	return s.RunForConfig(ctx, cfg, days)
}

func (s *Service) RunForConfig(ctx context.Context, cfg model.ScheduleConfig, days int) (Report, error) {
	return s.RunConfigs(ctx, []model.ScheduleConfig{cfg}, days)
}

// RunConfigs is the batch loop. A failing doctor is recorded with zero
// generated slots and the batch moves on. When ctx ends the partial report
// is returned with Cancelled set, together with ctx.Err().
func (s *Service) RunConfigs(ctx context.Context, configs []model.ScheduleConfig, days int) (Report, error) {
	report := Report{RunID: uuid.NewString(), Details: make([]DoctorResult, 0, len(configs))}

	ctx, span := s.tracer.Start(ctx, "generation.run", trace.WithAttributes(
		attribute.String("generation.run_id", report.RunID),
		attribute.Int("generation.configs", len(configs)),
		attribute.Int("generation.days", days),
	))
	defer span.End()

	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			span.SetStatus(codes.Error, "cancelled")
			return report, err
		}

		res, err := s.runDoctor(ctx, report.RunID, cfg, days)
		if err != nil && ctx.Err() != nil {
			report.Details = append(report.Details, res)
			report.Doctors = len(report.Details)
			report.Generated += res.Generated
			report.Cancelled = true
			s.logger.Warn("schedule generation cancelled", "run_id", report.RunID, "doctor_id", cfg.DoctorID, "generated", report.Generated)
			span.SetStatus(codes.Error, "cancelled")
			return report, ctx.Err()
		}
		if err != nil {
			s.logger.Error("schedule generation failed for doctor", "run_id", report.RunID, "doctor_id", cfg.DoctorID, "err", err)
			span.RecordError(err, trace.WithAttributes(attribute.Int64("doctor_id", cfg.DoctorID)))
			res = DoctorResult{DoctorID: cfg.DoctorID, Error: err.Error()}
		}

		report.Details = append(report.Details, res)
		report.Generated += res.Generated
	}
	report.Doctors = len(report.Details)
	span.SetAttributes(attribute.Int("generation.generated", report.Generated))
	return report, nil
}

func (s *Service) runDoctor(ctx context.Context, runID string, cfg model.ScheduleConfig, days int) (DoctorResult, error) {
	res := DoctorResult{DoctorID: cfg.DoctorID}
	if !cfg.Enabled {
		res.Skipped = true
		return res, nil
	}
	if err := cfg.Validate(); err != nil {
		return res, err
	}

	horizon := days
	if horizon <= 0 {
		horizon = cfg.AdvanceDays
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "schedule-generation:"+strconv.FormatInt(cfg.DoctorID, 10), s.lockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Info("schedule generation already running for doctor", "run_id", runID, "doctor_id", cfg.DoctorID)
			res.Skipped = true
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("acquire lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release generation lock failed", "doctor_id", cfg.DoctorID, "err", err)
			}
		}()
	}

	today := clock.StartOfDay(s.now().In(s.loc))
	for offset := 1; offset <= horizon; offset++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		date := clock.AddDays(today, offset)
		day := clock.FormatDate(date)
		n, err := s.runDate(ctx, cfg, date)
		res.Generated += n
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			s.logger.Warn("schedule generation failed for date", "run_id", runID, "doctor_id", cfg.DoctorID, "date", day, "generated", n, "err", err)
			res.FailedDates = append(res.FailedDates, DateFailure{Date: day, Error: err.Error()})
		}
	}

	if res.Generated > 0 && s.publisher != nil {
		ev := SlotsGenerated{
			RunID:       runID,
			DoctorID:    cfg.DoctorID,
			Generated:   res.Generated,
			FromDate:    clock.FormatDate(clock.AddDays(today, 1)),
			ToDate:      clock.FormatDate(clock.AddDays(today, horizon)),
			GeneratedAt: s.now().UTC(),
		}
		if err := s.publisher.PublishSlotsGenerated(ctx, ev); err != nil {
			s.logger.Warn("publish slots generated failed", "run_id", runID, "doctor_id", cfg.DoctorID, "err", err)
		}
	}
	return res, nil
}

// runDate materializes one date and returns how many slots it inserted. An
// insert error does not stop the remaining candidates of the date; the first
// error is returned once they have all been tried.
func (s *Service) runDate(ctx context.Context, cfg model.ScheduleConfig, date time.Time) (int, error) {
	day := clock.FormatDate(date)
	existing, err := s.store.CountSlotsForDoctorOnDate(ctx, cfg.DoctorID, day)
	if err != nil {
		return 0, fmt.Errorf("count slots on %s: %w", day, err)
	}
	if existing > 0 {
		return 0, nil
	}

	candidates, err := slots.ForDate(cfg, date, s.policy)
	if err != nil {
		return 0, fmt.Errorf("slots for %s: %w", day, err)
	}

	inserted := 0
	var firstErr error
	for _, c := range candidates {
		_, err := s.store.InsertSlot(ctx, model.Slot{
			DoctorID:  cfg.DoctorID,
			Date:      c.Date,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Status:    c.Status,
		})
		if errors.Is(err, ErrDuplicateSlot) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return inserted, err
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("insert slot %s %s: %w", day, c.StartTime, err)
			}
			continue
		}
		inserted++
	}
	return inserted, firstErr
}
