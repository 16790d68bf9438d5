package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/store"
	"qms/prayerroom-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	number  string
	message string
	at      time.Time
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]error
}

func (f *fakeSender) Send(_ context.Context, number, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{number: number, message: message, at: time.Now()})
	return f.fail[number]
}

func seed(t *testing.T, st *memory.Store, count int) []string {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	phones := make([]string, 0, count)
	for i := 0; i < count; i++ {
		phone := fmt.Sprintf("55119%08d", i)
		_, err := st.RegisterVisitor(context.Background(), store.RegisterInput{
			FirstName:  fmt.Sprintf("Visitor %d", i),
			Phone:      phone,
			UniqueCode: fmt.Sprintf("code-%d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		phones = append(phones, phone)
	}
	return phones
}

func TestMarkPresentAndLeft(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 5)
	service := NewService(st, &fakeSender{}, Config{Concurrency: 2}, nil)

	require.NoError(t, service.MarkPresent(ctx, phones))
	require.NoError(t, service.MarkLeft(ctx, phones[:2]))

	visitors, err := st.ListVisitors(ctx)
	require.NoError(t, err)
	for i, visitor := range visitors {
		assert.NotNil(t, visitor.EnteredAt, visitor.Phone)
		if i < 2 {
			assert.NotNil(t, visitor.LeftAt, visitor.Phone)
		} else {
			assert.Nil(t, visitor.LeftAt, visitor.Phone)
		}
	}
}

func TestMarkLeftReportsFailedMembers(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 3)
	service := NewService(st, &fakeSender{}, Config{}, nil)

	require.NoError(t, service.MarkPresent(ctx, phones[:1]))
	err := service.MarkLeft(ctx, []string{phones[0], phones[1], "000"})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.ElementsMatch(t, []string{phones[1], "000"}, batchErr.Phones())
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.ErrorIs(t, err, store.ErrVisitorNotFound)

	visitor, err := st.GetVisitorByCode(ctx, "code-0")
	require.NoError(t, err)
	assert.NotNil(t, visitor.LeftAt)
}

func TestNotifyUsesDefaultMessageAndThrottles(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 3)
	message, err := st.InsertMessage(ctx, "Sua vez!")
	require.NoError(t, err)
	require.NoError(t, st.SetDefaultMessage(ctx, message.ID))

	sender := &fakeSender{}
	service := NewService(st, sender, Config{Throttle: 15 * time.Millisecond}, nil)

	report, err := service.Notify(ctx, phones, NotifyOptions{MarkSent: true})
	require.NoError(t, err)
	assert.Equal(t, phones, report.Sent)
	assert.Empty(t, report.Failed)

	require.Len(t, sender.sent, 3)
	for i, sent := range sender.sent {
		assert.Equal(t, phones[i], sent.number)
		assert.Equal(t, "Sua vez!", sent.message)
		if i > 0 {
			assert.GreaterOrEqual(t, sent.at.Sub(sender.sent[i-1].at), 15*time.Millisecond)
		}
	}

	presence, err := st.ListPresence(ctx)
	require.NoError(t, err)
	assert.Empty(t, presence)
}

func TestNotifyFallbackMessageWithoutMarking(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 1)
	sender := &fakeSender{}
	service := NewService(st, sender, Config{}, nil)

	_, err := service.Notify(ctx, phones, NotifyOptions{})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, models.FallbackMessage, sender.sent[0].message)

	visitor, err := st.GetVisitorByCode(ctx, "code-0")
	require.NoError(t, err)
	assert.False(t, visitor.MessageSent)
}

func TestNotifyFailedSendIsNotMarked(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 2)
	boom := errors.New("gateway down")
	sender := &fakeSender{fail: map[string]error{phones[0]: boom}}
	service := NewService(st, sender, Config{}, nil)

	report, err := service.Notify(ctx, phones, NotifyOptions{MarkSent: true})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{phones[0]}, report.Failed)
	assert.Equal(t, []string{phones[1]}, report.Sent)

	first, err := st.GetVisitorByCode(ctx, "code-0")
	require.NoError(t, err)
	assert.False(t, first.MessageSent)
}

func TestNotifyStopsOnCancel(t *testing.T) {
	st := memory.NewStore()
	phones := seed(t, st, 3)
	sender := &fakeSender{}
	service := NewService(st, sender, Config{Throttle: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := service.Notify(ctx, phones, NotifyOptions{MarkSent: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, phones[:1], report.Sent)
}

func TestNotifyNextTakesOldestWaiting(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	phones := seed(t, st, 5)
	require.NoError(t, st.MarkMessageSent(ctx, phones[0]))

	sender := &fakeSender{}
	service := NewService(st, sender, Config{NextLimit: 100}, nil)

	report, err := service.NotifyNext(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{phones[1], phones[2]}, report.Sent)

	presence, err := st.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, presence, 2)
	assert.Equal(t, phones[3], presence[0].Phone)
}
