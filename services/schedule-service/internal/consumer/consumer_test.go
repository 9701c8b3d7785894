package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/storage/memory"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (i *memoryInbox) Seen(_ context.Context, eventID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[eventID], nil
}

func (i *memoryInbox) Record(_ context.Context, eventID string, _ string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen[eventID] {
		return false, nil
	}
	i.seen[eventID] = true
	return true, nil
}

// sliceReader hands out queued messages and then blocks until ctx ends.
type sliceReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

func newTestConsumer(reader messageReader, inbox Inbox, handler Handler) *Consumer {
	return &Consumer{
		reader:     reader,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		inbox:      inbox,
		handler:    handler,
		backoff:    time.Millisecond,
		maxBackoff: 4 * time.Millisecond,
	}
}

var offsets int64

func deletedMessage(eventID, payload string) kafka.Message {
	offsets++
	return kafka.Message{
		Topic:   TopicDoctorDeleted,
		Offset:  offsets,
		Value:   []byte(payload),
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(eventID)}},
	}
}

func TestConsumer_DoctorDeletedCascadesOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	ctx := context.Background()

	cfg := model.DefaultScheduleConfig(5)
	_, err := store.UpsertConfig(ctx, cfg)
	require.NoError(t, err)
	_, err = store.InsertSlot(ctx, model.Slot{DoctorID: 5, Date: "2026-03-02", StartTime: "09:00", EndTime: "09:30", Status: model.SlotAvailable})
	require.NoError(t, err)

	calls := 0
	handler := DoctorDeletedHandler(store, logger)
	counting := func(ctx context.Context, msg kafka.Message) error {
		calls++
		return handler(ctx, msg)
	}

	reader := &sliceReader{msgs: []kafka.Message{
		deletedMessage("evt-1", `{"doctor_id":5}`),
		deletedMessage("evt-1", `{"doctor_id":5}`),
		deletedMessage("evt-2", `not json`),
	}}
	c := newTestConsumer(reader, &memoryInbox{seen: map[string]bool{}}, counting)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	c.Run(runCtx)

	assert.True(t, reader.closed)
	assert.Equal(t, 2, calls, "duplicate event id must be skipped")
	assert.Len(t, reader.committed, 3, "handled, duplicate and undecodable events are all committed")

	_, err = store.GetConfig(ctx, 5)
	assert.Error(t, err)
	n, _ := store.CountSlotsForDoctorOnDate(ctx, 5, "2026-03-02")
	assert.Zero(t, n)
}

func TestDoctorDeletedHandler_RejectsMissingID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := DoctorDeletedHandler(memory.New(), logger)(context.Background(), deletedMessage("e", `{}`))
	require.ErrorIs(t, err, ErrPermanent)

	err = DoctorDeletedHandler(memory.New(), logger)(context.Background(), deletedMessage("e", `{`))
	require.ErrorIs(t, err, ErrPermanent)
}

// flakyDeleter fails the first n deletes.
type flakyDeleter struct {
	*memory.Store
	failures int
	calls    int
}

func (d *flakyDeleter) DeleteDoctor(ctx context.Context, doctorID int64) (int64, error) {
	d.calls++
	if d.calls <= d.failures {
		return 0, errors.New("connection refused")
	}
	return d.Store.DeleteDoctor(ctx, doctorID)
}

func TestConsumer_RetriesFailedCascadeBeforeCommit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	store := memory.New()
	_, err := store.UpsertConfig(ctx, model.DefaultScheduleConfig(9))
	require.NoError(t, err)
	_, err = store.InsertSlot(ctx, model.Slot{DoctorID: 9, Date: "2026-03-02", StartTime: "09:00", EndTime: "09:30", Status: model.SlotAvailable})
	require.NoError(t, err)

	deleter := &flakyDeleter{Store: store, failures: 2}
	inbox := &memoryInbox{seen: map[string]bool{}}
	msg := deletedMessage("evt-9", `{"doctor_id":9}`)
	reader := &sliceReader{msgs: []kafka.Message{msg}}
	c := newTestConsumer(reader, inbox, DoctorDeletedHandler(deleter, logger))

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	c.Run(runCtx)

	assert.Equal(t, 3, deleter.calls)
	require.Len(t, reader.committed, 1)
	assert.Equal(t, msg.Offset, reader.committed[0].Offset)
	assert.True(t, inbox.seen["evt-9"])
	n, _ := store.CountSlotsForDoctorOnDate(ctx, 9, "2026-03-02")
	assert.Zero(t, n)
}

func TestConsumer_FailingCascadeIsNotCommitted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deleter := &flakyDeleter{Store: memory.New(), failures: 1 << 30}
	inbox := &memoryInbox{seen: map[string]bool{}}
	reader := &sliceReader{msgs: []kafka.Message{deletedMessage("evt-10", `{"doctor_id":10}`)}}
	c := newTestConsumer(reader, inbox, DoctorDeletedHandler(deleter, logger))

	runCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(runCtx)

	assert.Greater(t, deleter.calls, 1)
	assert.Empty(t, reader.committed)
	assert.False(t, inbox.seen["evt-10"], "a failed event must stay unrecorded")
}

type failingInbox struct{}

func (failingInbox) Seen(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func (failingInbox) Record(context.Context, string, string) (bool, error) {
	return false, errors.New("db down")
}

func TestConsumer_InboxFailureSkipsHandler(t *testing.T) {
	called := false
	c := newTestConsumer(nil, failingInbox{}, func(context.Context, kafka.Message) error {
		called = true
		return nil
	})
	err := c.handle(context.Background(), deletedMessage("e", `{"doctor_id":1}`))
	require.Error(t, err)
	assert.False(t, called)
}
