package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	"user_service/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []models.AccountChangeEvent
	block    chan struct{}
}

func (r *recordingPublisher) Publish(ctx context.Context, _ string, event models.AccountChangeEvent) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("broker unavailable")
	}
	r.got = append(r.got, event)
	return nil
}

func (r *recordingPublisher) snapshot() (int, []models.AccountChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]models.AccountChangeEvent(nil), r.got...)
}

func TestNewAccountChangeEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	ev := NewAccountChangeEvent(models.ActionCreate, models.Account{UserID: "alice", PhoneNumber: "555-0100", PasswordHash: "secret"}, at)

	_, err := ulid.Parse(ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreate, ev.Action)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "555-0100", ev.PhoneNumber)
	assert.Equal(t, time.UTC, ev.EventTime.Location())
	assert.True(t, at.Equal(ev.EventTime))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	ev := NewAccountChangeEvent(models.ActionCreate, models.Account{UserID: "alice", PhoneNumber: "555-0100"}, time.Now())
	require.NoError(t, p.Publish(context.Background(), models.UserInfoTopic, ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "userinfo", msg.Topic)
	assert.Equal(t, []byte("alice"), msg.Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "Create", decoded["action"])
	assert.Equal(t, "alice", decoded["userId"])
	assert.Equal(t, "555-0100", decoded["phoneNumber"])
	assert.Equal(t, ev.EventID, decoded["eventId"])
	assert.Contains(t, decoded, "eventTime")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no brokers")}}

	err := p.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{UserID: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers")
}

func TestAsyncPublisher_RetriesUntilDelivered(t *testing.T) {
	next := &recordingPublisher{failures: 2}
	a := NewAsyncPublisher(next, discardLogger(), 4, 5, time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{EventID: "1", UserID: "alice"}))
	require.NoError(t, a.Close(context.Background()))

	calls, got := next.snapshot()
	assert.Equal(t, 3, calls)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
}

func TestAsyncPublisher_GivesUpAfterMaxAttempts(t *testing.T) {
	next := &recordingPublisher{failures: 10}
	a := NewAsyncPublisher(next, discardLogger(), 4, 3, time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{EventID: "1"}))
	require.NoError(t, a.Close(context.Background()))

	calls, got := next.snapshot()
	assert.Equal(t, 3, calls)
	assert.Empty(t, got)
}

func TestAsyncPublisher_FullBufferDoesNotBlock(t *testing.T) {
	next := &recordingPublisher{block: make(chan struct{})}
	a := NewAsyncPublisher(next, discardLogger(), 1, 1, time.Millisecond)

	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, a.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{}))
	}

	assert.Contains(t, errs, ErrBufferFull)

	close(next.block)
	require.NoError(t, a.Close(context.Background()))
}

func TestAsyncPublisher_PublishAfterClose(t *testing.T) {
	a := NewAsyncPublisher(&recordingPublisher{}, discardLogger(), 1, 1, time.Millisecond)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	err := a.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAsyncPublisher_CloseHonoursDeadline(t *testing.T) {
	next := &recordingPublisher{block: make(chan struct{})}
	a := NewAsyncPublisher(next, discardLogger(), 2, 1, time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(discardLogger())
	assert.NoError(t, p.Publish(context.Background(), models.UserInfoTopic, models.AccountChangeEvent{UserID: "alice"}))
}
