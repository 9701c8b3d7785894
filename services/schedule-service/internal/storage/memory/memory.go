// Package memory is an in-process implementation of the schedule store,
// used by tests and by local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/medbook/medbook/services/schedule-service/internal/clock"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
	"github.com/medbook/medbook/services/schedule-service/internal/storage"
)

type slotKey struct {
	doctorID int64
	date     string
	start    string
}

type Store struct {
	mu      sync.Mutex
	configs map[int64]model.ScheduleConfig
	slots   map[slotKey]model.Slot
	nextID  int64
	now     func() time.Time
}

func New() *Store {
	return &Store{
		configs: make(map[int64]model.ScheduleConfig),
		slots:   make(map[slotKey]model.Slot),
		now:     time.Now,
	}
}

var _ generation.Store = (*Store)(nil)

func (s *Store) GetConfig(_ context.Context, doctorID int64) (model.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[doctorID]
	if !ok {
		return model.ScheduleConfig{}, generation.ErrConfigNotFound
	}
	return cloneConfig(c), nil
}

func (s *Store) EnabledConfigs(context.Context) ([]model.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduleConfig
	for _, c := range s.configs {
		if c.Enabled {
			out = append(out, cloneConfig(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DoctorID < out[j].DoctorID })
	return out, nil
}

func (s *Store) UpsertConfig(_ context.Context, c model.ScheduleConfig) (model.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if prev, ok := s.configs[c.DoctorID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c = cloneConfig(c)
	s.configs[c.DoctorID] = c
	return cloneConfig(c), nil
}

func (s *Store) CountSlotsForDoctorOnDate(_ context.Context, doctorID int64, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.slots {
		if k.doctorID == doctorID && k.date == date {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertSlot(_ context.Context, slot model.Slot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := slotKey{doctorID: slot.DoctorID, date: slot.Date, start: slot.StartTime}
	if _, ok := s.slots[k]; ok {
		return 0, generation.ErrDuplicateSlot
	}
	return s.insertLocked(k, slot).ID, nil
}

func (s *Store) insertLocked(k slotKey, slot model.Slot) model.Slot {
	s.nextID++
	slot.ID = s.nextID
	slot.CreatedAt = s.now().UTC()
	s.slots[k] = slot
	return slot
}

func (s *Store) CreateSlot(_ context.Context, slot model.Slot) (model.Slot, error) {
	want, err := interval(slot)
	if err != nil {
		return model.Slot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, existing := range s.slots {
		if k.doctorID != slot.DoctorID || k.date != slot.Date {
			continue
		}
		iv, err := interval(existing)
		if err != nil {
			return model.Slot{}, err
		}
		if k.start == slot.StartTime || slots.Overlaps(want, iv) {
			return model.Slot{}, fmt.Errorf("%w: %s-%s", storage.ErrSlotConflict, existing.StartTime, existing.EndTime)
		}
	}
	return s.insertLocked(slotKey{doctorID: slot.DoctorID, date: slot.Date, start: slot.StartTime}, slot), nil
}

func (s *Store) ListSlots(_ context.Context, doctorID int64, from, to string) ([]model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Slot
	for k, slot := range s.slots {
		// YYYY-MM-DD compares correctly as a string.
		if k.doctorID == doctorID && k.date >= from && k.date <= to {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (s *Store) DeleteDoctor(_ context.Context, doctorID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for k := range s.slots {
		if k.doctorID == doctorID {
			delete(s.slots, k)
			removed++
		}
	}
	delete(s.configs, doctorID)
	return removed, nil
}

func cloneConfig(c model.ScheduleConfig) model.ScheduleConfig {
	c.WorkDays = slices.Clone(c.WorkDays)
	return c
}

func interval(s model.Slot) (slots.Interval, error) {
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
