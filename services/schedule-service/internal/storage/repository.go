package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/medbook/medbook/libs/db"
	"github.com/medbook/medbook/services/schedule-service/internal/clock"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations is the schema for the schedule service.
var Migrations = db.Migrations{FS: migrationFS, Dir: "migrations"}

// ErrSlotConflict is returned when a manually created slot overlaps or
// duplicates an existing slot for the same doctor and date.
var ErrSlotConflict = errors.New("slot conflicts with an existing slot")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ generation.Store = (*Repository)(nil)

const configColumns = `
	doctor_id, enabled, work_days,
	to_char(work_start, 'HH24:MI'), to_char(work_end, 'HH24:MI'),
	to_char(break_start, 'HH24:MI'), to_char(break_end, 'HH24:MI'),
	slot_duration, advance_days, created_at, updated_at`

func scanConfig(row pgx.Row) (model.ScheduleConfig, error) {
	var c model.ScheduleConfig
	err := row.Scan(&c.DoctorID, &c.Enabled, &c.WorkDays,
		&c.WorkStart, &c.WorkEnd, &c.BreakStart, &c.BreakEnd,
		&c.SlotDurationMinutes, &c.AdvanceDays, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *Repository) GetConfig(ctx context.Context, doctorID int64) (model.ScheduleConfig, error) {
	c, err := scanConfig(r.pool.QueryRow(ctx, `
		SELECT `+configColumns+`
		FROM doctor_auto_schedule_configs
		WHERE doctor_id = $1
	`, doctorID))
	if db.IsNotFound(err) {
		return model.ScheduleConfig{}, generation.ErrConfigNotFound
	}
	return c, err
}

func (r *Repository) EnabledConfigs(ctx context.Context) ([]model.ScheduleConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+configColumns+`
		FROM doctor_auto_schedule_configs
		WHERE enabled
		ORDER BY doctor_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertConfig stores the doctor's config, creating it on first save.
func (r *Repository) UpsertConfig(ctx context.Context, c model.ScheduleConfig) (model.ScheduleConfig, error) {
	return scanConfig(r.pool.QueryRow(ctx, `
		INSERT INTO doctor_auto_schedule_configs
			(doctor_id, enabled, work_days, work_start, work_end, break_start, break_end, slot_duration, advance_days)
		VALUES ($1, $2, $3, $4::time, $5::time, $6::time, $7::time, $8, $9)
		ON CONFLICT (doctor_id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			work_days = EXCLUDED.work_days,
			work_start = EXCLUDED.work_start,
			work_end = EXCLUDED.work_end,
			break_start = EXCLUDED.break_start,
			break_end = EXCLUDED.break_end,
			slot_duration = EXCLUDED.slot_duration,
			advance_days = EXCLUDED.advance_days,
			updated_at = now()
		RETURNING `+configColumns,
		c.DoctorID, c.Enabled, c.WorkDays, c.WorkStart, c.WorkEnd, c.BreakStart, c.BreakEnd,
		c.SlotDurationMinutes, c.AdvanceDays))
}

func (r *Repository) CountSlotsForDoctorOnDate(ctx context.Context, doctorID int64, date string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM doctor_schedules
		WHERE doctor_id = $1 AND date = $2::date
	`, doctorID, date).Scan(&n)
	return n, err
}

func (r *Repository) InsertSlot(ctx context.Context, s model.Slot) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO doctor_schedules (doctor_id, date, start_time, end_time, status)
		VALUES ($1, $2::date, $3::time, $4::time, $5)
		RETURNING id
	`, s.DoctorID, s.Date, s.StartTime, s.EndTime, string(s.Status)).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, generation.ErrDuplicateSlot
	}
	return id, err
}

// CreateSlot inserts a manually defined slot after checking it against the
// doctor's other slots that day. Concurrent creates for the same doctor are
// serialized with a transaction-scoped advisory lock.
func (r *Repository) CreateSlot(ctx context.Context, s model.Slot) (model.Slot, error) {
	want, err := slotInterval(s)
	if err != nil {
		return model.Slot{}, err
	}

	var created model.Slot
	err = r.pool.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.DoctorID); err != nil {
			return err
		}
		existing, err := querySlots(ctx, tx, `
			WHERE doctor_id = $1 AND date = $2::date
		`, s.DoctorID, s.Date)
		if err != nil {
			return err
		}
		for _, e := range existing {
			iv, err := slotInterval(e)
			if err != nil {
				return err
			}
			if slots.Overlaps(want, iv) {
				return fmt.Errorf("%w: %s-%s", ErrSlotConflict, e.StartTime, e.EndTime)
			}
		}

		rows, err := querySlotsRaw(ctx, tx, `
			INSERT INTO doctor_schedules (doctor_id, date, start_time, end_time, status)
			VALUES ($1, $2::date, $3::time, $4::time, $5)
			RETURNING `+slotColumns,
			s.DoctorID, s.Date, s.StartTime, s.EndTime, string(s.Status))
		if err != nil {
			return err
		}
		if len(rows) == 1 {
			created = rows[0]
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return model.Slot{}, ErrSlotConflict
	}
	return created, err
}

// ListSlots returns the doctor's slots with from <= date <= to, ordered by
// date and start time.
func (r *Repository) ListSlots(ctx context.Context, doctorID int64, from, to string) ([]model.Slot, error) {
	return querySlots(ctx, r.pool, `
		WHERE doctor_id = $1 AND date BETWEEN $2::date AND $3::date
	`, doctorID, from, to)
}

// DeleteDoctor removes the doctor's config and every slot they own.
func (r *Repository) DeleteDoctor(ctx context.Context, doctorID int64) (int64, error) {
	var removed int64
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM doctor_schedules WHERE doctor_id = $1`, doctorID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `DELETE FROM doctor_auto_schedule_configs WHERE doctor_id = $1`, doctorID)
		return err
	})
	return removed, err
}

const slotColumns = `id, doctor_id, date::text, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), status, created_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func querySlots(ctx context.Context, q querier, where string, args ...any) ([]model.Slot, error) {
	return querySlotsRaw(ctx, q, `
		SELECT `+slotColumns+`
		FROM doctor_schedules
		`+where+`
		ORDER BY date, start_time
	`, args...)
}

func querySlotsRaw(ctx context.Context, q querier, sql string, args ...any) ([]model.Slot, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		var s model.Slot
		var status string
		if err := rows.Scan(&s.ID, &s.DoctorID, &s.Date, &s.StartTime, &s.EndTime, &status, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Status = model.SlotStatus(status)
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func slotInterval(s model.Slot) (slots.Interval, error) {
	start, err := clock.ParseMinutes(s.StartTime)
	if err != nil {
		return slots.Interval{}, err
	}
	end, err := clock.ParseMinutes(s.EndTime)
	if err != nil {
		return slots.Interval{}, err
	}
	return slots.Interval{Start: start, End: end}, nil
}
