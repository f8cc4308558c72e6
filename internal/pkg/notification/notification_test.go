package notification

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/testutil"
)

func TestStoreNotifyAndList(t *testing.T) {
	db := testutil.NewDB(t)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Message{
		UserID:  4,
		Type:    models.NotificationTypePaymentApproved,
		Content: "Your payment PB-ABCDEFGH was approved.",
		Data:    map[string]interface{}{"payment_id": 12},
	}))
	require.NoError(t, s.Notify(ctx, Message{UserID: 5, Type: models.NotificationTypeSystem, Content: "other"}))

	list, err := s.ListForUser(ctx, 4, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.NotificationTypePaymentApproved, list[0].Type)
	assert.False(t, list[0].IsRead)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(list[0].Data, &data))
	assert.Equal(t, float64(12), data["payment_id"])

	require.NoError(t, s.MarkRead(ctx, 4, list[0].ID))
	list, err = s.ListForUser(ctx, 4, 10)
	require.NoError(t, err)
	assert.True(t, list[0].IsRead)
}

func TestStoreRejectsMissingUser(t *testing.T) {
	s := NewStore(testutil.NewDB(t))
	assert.Error(t, s.Notify(context.Background(), Message{Content: "x"}))
}

func TestMarkReadForeignNotification(t *testing.T) {
	db := testutil.NewDB(t)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Message{UserID: 1, Type: models.NotificationTypeSystem, Content: "hi"}))
	list, err := s.ListForUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.ErrorIs(t, s.MarkRead(ctx, 2, list[0].ID), ErrNotFound)
}

type stubNotifier struct {
	got []Message
	err error
}

func (s *stubNotifier) Notify(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	ok := &stubNotifier{}
	broken := &stubNotifier{err: assert.AnError}
	f := Fanout{broken, nil, ok}

	err := f.Notify(context.Background(), Message{UserID: 1, Type: models.NotificationTypeSystem})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, ok.got, 1, "a failing notifier does not stop the others")
	assert.Len(t, broken.got, 1)

	assert.NoError(t, Fanout{ok}.Notify(context.Background(), Message{UserID: 1}))
}
