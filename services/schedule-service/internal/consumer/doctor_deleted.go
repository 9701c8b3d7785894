package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

const TopicDoctorDeleted = "identity.doctor.deleted.v1"

// DoctorDeleter removes everything the schedule service owns for a doctor.
type DoctorDeleter interface {
	DeleteDoctor(ctx context.Context, doctorID int64) (int64, error)
}

type doctorDeleted struct {
	DoctorID int64 `json:"doctor_id"`
}

// DoctorDeletedHandler cascades a doctor deletion to their config and slots.
func DoctorDeletedHandler(store DoctorDeleter, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev doctorDeleted
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return Permanent(fmt.Errorf("decode doctor deleted event: %w", err))
		}
		if ev.DoctorID <= 0 {
			return Permanent(errors.New("doctor deleted event without doctor_id"))
		}
		removed, err := store.DeleteDoctor(ctx, ev.DoctorID)
		if err != nil {
			return fmt.Errorf("delete doctor %d: %w", ev.DoctorID, err)
		}
		logger.Info("doctor schedule removed", "doctor_id", ev.DoctorID, "slots_removed", removed)
		return nil
	}
}
