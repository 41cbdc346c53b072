package subscriptions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vodsum/internal/cache"
	"vodsum/internal/logging"
	"vodsum/internal/services"
	"vodsum/internal/testsupport"
)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	cacheLayer := cache.New(cache.NewMemoryStore(), true, logging.NewNop())
	return NewDirectory(store.DB(), cacheLayer, logging.NewNop())
}

func TestAddRecipientIsIdempotentPerChat(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	first, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)

	second, err := dir.AddRecipient(ctx, 1001, "alice-renamed")
	require.NoError(t, err)
	require.Equal(t, first, second, "same chat must map to the same recipient")

	recipients, err := dir.Recipients(ctx, false)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	require.Equal(t, "alice-renamed", recipients[0].Label)
}

func TestAddRecipientRejectsZeroChat(t *testing.T) {
	dir := newDirectory(t)

	_, err := dir.AddRecipient(context.Background(), 0, "nobody")
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestRecipientsForSourceFiltersBySubscriptionAndActivity(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	alice, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)
	bob, err := dir.AddRecipient(ctx, 1002, "bob")
	require.NoError(t, err)
	carol, err := dir.AddRecipient(ctx, 1003, "carol")
	require.NoError(t, err)

	require.NoError(t, dir.Subscribe(ctx, alice, "channel-a"))
	require.NoError(t, dir.Subscribe(ctx, bob, "channel-a"))
	require.NoError(t, dir.Subscribe(ctx, carol, "channel-b"))

	subscribers, err := dir.RecipientsForSource(ctx, "channel-a")
	require.NoError(t, err)
	require.Len(t, subscribers, 2)

	require.NoError(t, dir.Deactivate(ctx, bob))

	subscribers, err = dir.RecipientsForSource(ctx, "channel-a")
	require.NoError(t, err)
	require.Len(t, subscribers, 1, "deactivation must be visible through the cache")
	require.Equal(t, int64(1001), subscribers[0].ChatID)
}

func TestSubscribeTwiceIsNoOp(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	id, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)

	require.NoError(t, dir.Subscribe(ctx, id, "channel-a"))
	require.NoError(t, dir.Subscribe(ctx, id, "channel-a"))

	sources, err := dir.SourcesFor(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"channel-a"}, sources)
}

func TestUnsubscribeRemovesOnlyThatPair(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	id, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)
	require.NoError(t, dir.Subscribe(ctx, id, "channel-a"))
	require.NoError(t, dir.Subscribe(ctx, id, "channel-b"))

	require.NoError(t, dir.Unsubscribe(ctx, id, "channel-a"))

	sources, err := dir.SourcesFor(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"channel-b"}, sources)
}

func TestDeactivateUnknownRecipient(t *testing.T) {
	dir := newDirectory(t)

	err := dir.Deactivate(context.Background(), 9999)
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestReactivationRestoresSubscriptions(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()

	id, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)
	require.NoError(t, dir.Subscribe(ctx, id, "channel-a"))
	require.NoError(t, dir.Deactivate(ctx, id))

	subscribers, err := dir.RecipientsForSource(ctx, "channel-a")
	require.NoError(t, err)
	require.Empty(t, subscribers)

	again, err := dir.AddRecipient(ctx, 1001, "alice")
	require.NoError(t, err)
	require.Equal(t, id, again)

	subscribers, err = dir.RecipientsForSource(ctx, "channel-a")
	require.NoError(t, err)
	require.Len(t, subscribers, 1, "reactivated recipient keeps prior subscriptions")
}
