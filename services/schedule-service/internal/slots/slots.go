package slots

import (
	"fmt"
	"strings"
	"time"

	"github.com/medbook/medbook/services/schedule-service/internal/clock"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
)

// BreakPolicy decides which candidates the break window removes.
type BreakPolicy int

const (
	// BreakPolicyStrict drops any candidate whose interval intersects the break.
	BreakPolicyStrict BreakPolicy = iota
	// BreakPolicyLegacy drops a candidate only when its start lies inside the
	// break, so a slot may run into the break.
	BreakPolicyLegacy
)

func (p BreakPolicy) String() string {
	if p == BreakPolicyLegacy {
		return "legacy"
	}
	return "strict"
}

func ParseBreakPolicy(raw string) (BreakPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "strict":
		return BreakPolicyStrict, nil
	case "legacy":
		return BreakPolicyLegacy, nil
	default:
		return BreakPolicyStrict, fmt.Errorf("unknown break policy %q", raw)
	}
}

// Interval is a half-open range of minutes since midnight.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether [a.Start,a.End) and [b.Start,b.End) intersect.
// Empty intervals never overlap anything.
func Overlaps(a, b Interval) bool {
	if a.Start >= a.End || b.Start >= b.End {
		return false
	}
	return a.Start < b.End && b.Start < a.End
}

type Candidate struct {
	Date      string
	StartTime string
	EndTime   string
	Status    model.SlotStatus
}

// ForDate enumerates the slots cfg produces on date. It performs no I/O and
// assumes cfg was validated; a non-positive duration or an empty work window
// yields no candidates.
func ForDate(cfg model.ScheduleConfig, date time.Time, policy BreakPolicy) ([]Candidate, error) {
	if !cfg.WorksOn(clock.ISOWeekday(date)) {
		return nil, nil
	}
	if cfg.SlotDurationMinutes <= 0 {
		return nil, nil
	}
	w, err := cfg.Window()
	if err != nil {
		return nil, err
	}

	day := clock.FormatDate(date)
	brk := Interval{Start: w.BreakStart, End: w.BreakEnd}
	var out []Candidate
	for cursor := w.WorkStart; cursor+cfg.SlotDurationMinutes <= w.WorkEnd; cursor += cfg.SlotDurationMinutes {
		end := cursor + cfg.SlotDurationMinutes
		if inBreak(Interval{Start: cursor, End: end}, brk, policy) {
			continue
		}
		start, err := clock.FormatMinutes(cursor)
		if err != nil {
			return nil, err
		}
		stop, err := clock.FormatMinutes(end)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Date:      day,
			StartTime: start,
			EndTime:   stop,
			Status:    model.SlotAvailable,
		})
	}
	return out, nil
}

func inBreak(slot, brk Interval, policy BreakPolicy) bool {
	if policy == BreakPolicyLegacy {
		return slot.Start >= brk.Start && slot.Start < brk.End
	}
	return Overlaps(slot, brk)
}
