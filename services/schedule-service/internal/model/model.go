package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/medbook/medbook/services/schedule-service/internal/clock"
)

var ErrInvalidConfigRange = errors.New("invalid config range")

const (
	MinSlotDuration = 10
	MaxSlotDuration = 120
	MinAdvanceDays  = 1
	MaxAdvanceDays  = 90
)

// ScheduleConfig is a doctor's weekly working-hours template. There is at
// most one per doctor.
type ScheduleConfig struct {
	DoctorID            int64     `json:"doctor_id"`
	Enabled             bool      `json:"enabled"`
	WorkDays            []int     `json:"work_days"`
	WorkStart           string    `json:"work_start_time"`
	WorkEnd             string    `json:"work_end_time"`
	BreakStart          string    `json:"break_start_time"`
	BreakEnd            string    `json:"break_end_time"`
	SlotDurationMinutes int       `json:"slot_duration"`
	AdvanceDays         int       `json:"advance_days"`
	CreatedAt           time.Time `json:"created_at,omitzero"`
	UpdatedAt           time.Time `json:"updated_at,omitzero"`
}

// DefaultScheduleConfig is what a doctor sees before saving a config.
func DefaultScheduleConfig(doctorID int64) ScheduleConfig {
	return ScheduleConfig{
		DoctorID:            doctorID,
		Enabled:             false,
		WorkDays:            []int{1, 2, 3, 4, 5},
		WorkStart:           "09:00",
		WorkEnd:             "17:00",
		BreakStart:          "12:00",
		BreakEnd:            "13:00",
		SlotDurationMinutes: 30,
		AdvanceDays:         30,
	}
}

// Validate checks ranges and time formats. Errors wrap ErrInvalidConfigRange
// or clock.ErrInvalidTimeFormat.
func (c ScheduleConfig) Validate() error {
	if c.SlotDurationMinutes < MinSlotDuration || c.SlotDurationMinutes > MaxSlotDuration {
		return fmt.Errorf("%w: slot duration must be between %d and %d minutes", ErrInvalidConfigRange, MinSlotDuration, MaxSlotDuration)
	}
	if c.AdvanceDays < MinAdvanceDays || c.AdvanceDays > MaxAdvanceDays {
		return fmt.Errorf("%w: advance days must be between %d and %d", ErrInvalidConfigRange, MinAdvanceDays, MaxAdvanceDays)
	}
	if len(c.WorkDays) == 0 {
		return fmt.Errorf("%w: at least one work day is required", ErrInvalidConfigRange)
	}
	seen := make(map[int]bool, len(c.WorkDays))
	for _, d := range c.WorkDays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: work day %d outside 1..7", ErrInvalidConfigRange, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: work day %d listed twice", ErrInvalidConfigRange, d)
		}
		seen[d] = true
	}

	w, err := c.Window()
	if err != nil {
		return err
	}
	if w.WorkStart >= w.WorkEnd {
		return fmt.Errorf("%w: work start must be before work end", ErrInvalidConfigRange)
	}
	if w.BreakStart > w.BreakEnd {
		return fmt.Errorf("%w: break start must not be after break end", ErrInvalidConfigRange)
	}
	return nil
}

// WorksOn reports whether the ISO weekday is one of the configured work days.
func (c ScheduleConfig) WorksOn(isoWeekday int) bool {
	for _, d := range c.WorkDays {
		if d == isoWeekday {
			return true
		}
	}
	return false
}

// Window is a config's wall-clock fields as minute offsets.
type Window struct {
	WorkStart  int
	WorkEnd    int
	BreakStart int
	BreakEnd   int
}

func (c ScheduleConfig) Window() (Window, error) {
	var w Window
	var err error
	if w.WorkStart, err = clock.ParseMinutes(c.WorkStart); err != nil {
		return Window{}, fmt.Errorf("work start: %w", err)
	}
	if w.WorkEnd, err = clock.ParseMinutes(c.WorkEnd); err != nil {
		return Window{}, fmt.Errorf("work end: %w", err)
	}
	if w.BreakStart, err = clock.ParseMinutes(c.BreakStart); err != nil {
		return Window{}, fmt.Errorf("break start: %w", err)
	}
	if w.BreakEnd, err = clock.ParseMinutes(c.BreakEnd); err != nil {
		return Window{}, fmt.Errorf("break end: %w", err)
	}
	return w, nil
}

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBusy      SlotStatus = "busy"
	SlotBreak     SlotStatus = "break"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotAvailable, SlotBusy, SlotBreak:
		return true
	}
	return false
}

// Slot is a bookable interval on one date. Date is YYYY-MM-DD, StartTime and
// EndTime are HH:MM. (DoctorID, Date, StartTime) is unique.
type Slot struct {
	ID        int64      `json:"id"`
	DoctorID  int64      `json:"doctor_id"`
	Date      string     `json:"date"`
	StartTime string     `json:"start_time"`
	EndTime   string     `json:"end_time"`
	Status    SlotStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
}
