package generation

import (
	"context"
	"errors"
	"time"

	"github.com/medbook/medbook/services/schedule-service/internal/model"
)

var (
	// ErrDuplicateSlot is returned by InsertSlot when (doctor, date, start)
	// already exists.
	ErrDuplicateSlot = errors.New("duplicate slot")
	// ErrConfigNotFound means the doctor has no schedule config, or none that
	// is enabled where generation is concerned.
	ErrConfigNotFound = errors.New("schedule config not found")
)

// Store is the persistence the generator depends on.
type Store interface {
	CountSlotsForDoctorOnDate(ctx context.Context, doctorID int64, date string) (int, error)
	InsertSlot(ctx context.Context, slot model.Slot) (int64, error)
	EnabledConfigs(ctx context.Context) ([]model.ScheduleConfig, error)
	GetConfig(ctx context.Context, doctorID int64) (model.ScheduleConfig, error)
}

// Locker serializes generation for one doctor across replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

const EventSlotsGenerated = "schedule.slots.generated.v1"

type SlotsGenerated struct {
	RunID       string    `json:"run_id"`
	DoctorID    int64     `json:"doctor_id"`
	Generated   int       `json:"generated"`
	FromDate    string    `json:"from_date"`
	ToDate      string    `json:"to_date"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Publisher announces doctors that received new slots.
type Publisher interface {
	PublishSlotsGenerated(ctx context.Context, ev SlotsGenerated) error
}
