package fanout

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vodsum/internal/cache"
	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
	"vodsum/internal/services/telegram"
	"vodsum/internal/subscriptions"
	"vodsum/internal/testsupport"
)

type fakeSender struct {
	calls     int
	perChat   map[int64]int
	failChat  map[int64]error
	failTimes map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		perChat:   make(map[int64]int),
		failChat:  make(map[int64]error),
		failTimes: make(map[int64]int),
	}
}

func (f *fakeSender) Send(_ context.Context, msg telegram.Message) (telegram.SendResult, error) {
	f.calls++
	f.perChat[msg.ChatID]++
	if err, ok := f.failChat[msg.ChatID]; ok {
		if f.failTimes[msg.ChatID] == 0 || f.perChat[msg.ChatID] <= f.failTimes[msg.ChatID] {
			return telegram.SendResult{}, err
		}
	}
	return telegram.SendResult{MessageID: "msg-" + strconv.FormatInt(msg.ChatID, 10)}, nil
}

type fixture struct {
	cfg         *config.Config
	store       *queue.Store
	directory   *subscriptions.Directory
	sender      *fakeSender
	distributor *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	directory := subscriptions.NewDirectory(store.DB(), cache.New(cache.NewMemoryStore(), true, logging.NewNop()), logging.NewNop())
	sender := newFakeSender()
	distributor := NewDistributor(cfg, store.DB(), directory, sender, logging.NewNop())
	distributor.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{
		cfg:         cfg,
		store:       store,
		directory:   directory,
		sender:      sender,
		distributor: distributor,
	}
}

func (f *fixture) subscribe(t *testing.T, chatID int64, sourceID string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.directory.AddRecipient(ctx, chatID, "recipient-"+strconv.FormatInt(chatID, 10))
	require.NoError(t, err)
	require.NoError(t, f.directory.Subscribe(ctx, id, sourceID))
	return id
}

func (f *fixture) completedJob(t *testing.T, sourceID, videoID string) *queue.Item {
	t.Helper()
	item := testsupport.NewJob(t, f.store, sourceID, videoID, 600)
	item.Status = queue.StatusCompleted
	item.SummaryText = "Summary of " + videoID
	item.SetTags([]string{"go", "testing"})
	testsupport.MustUpdate(t, f.store, item)
	return item
}

func TestDistributeCreatesReceiptPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, chat := range []int64{1001, 1002, 1003} {
		f.subscribe(t, chat, "channel-a")
	}
	jobs := []*queue.Item{
		f.completedJob(t, "channel-a", "vid-1"),
		f.completedJob(t, "channel-a", "vid-2"),
	}

	totalReceipts := 0
	for _, job := range jobs {
		result, err := f.distributor.Distribute(ctx, job)
		require.NoError(t, err)
		require.Equal(t, 3, result.Attempted)
		require.Equal(t, 3, result.Delivered)
		require.Zero(t, result.Failed)

		receipts, err := f.distributor.Receipts().List(ctx, job.ID)
		require.NoError(t, err)
		totalReceipts += len(receipts)
		for _, receipt := range receipts {
			require.Equal(t, StateDelivered, receipt.State)
			require.NotEmpty(t, receipt.MessageID)
		}
	}
	require.Equal(t, 6, totalReceipts)
	require.Equal(t, 6, f.sender.calls)
}

func TestDistributeTwiceMakesNoDuplicateSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, chat := range []int64{1001, 1002, 1003} {
		f.subscribe(t, chat, "channel-a")
	}
	job := f.completedJob(t, "channel-a", "vid-1")

	_, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 3, f.sender.calls)

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Zero(t, result.Attempted, "delivered receipts must be skipped")
	require.Equal(t, 3, f.sender.calls, "no provider calls on redelivery")

	receipts, err := f.distributor.Receipts().List(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
}

func TestDistributeRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.subscribe(t, 1001, "channel-a")
	job := f.completedJob(t, "channel-a", "vid-1")

	f.sender.failChat[1001] = services.Wrap(services.ErrTransient, "telegram", "send", "throttled", nil)
	f.sender.failTimes[1001] = 2

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, 3, f.sender.calls, "two failures then success")

	receipts, err := f.distributor.Receipts().ForJob(ctx, job.ID)
	require.NoError(t, err)
	receipt := receipts[mustRecipientID(t, f, 1001)]
	require.Equal(t, StateDelivered, receipt.State)
	require.Equal(t, 3, receipt.Attempts)
}

func TestDistributeStopsRetryingAtAttemptBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.subscribe(t, 1001, "channel-a")
	job := f.completedJob(t, "channel-a", "vid-1")

	f.sender.failChat[1001] = services.Wrap(services.ErrTransient, "telegram", "send", "throttled", nil)

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, f.cfg.Fanout.MaxAttempts, f.sender.calls)

	receipts, err := f.distributor.Receipts().ForJob(ctx, job.ID)
	require.NoError(t, err)
	receipt := receipts[mustRecipientID(t, f, 1001)]
	require.Equal(t, StateFailedRetryable, receipt.State)
	require.Contains(t, receipt.LastError, "throttled")

	// A later pass picks the retryable failure back up.
	f.sender.failChat = map[int64]error{}
	result, err = f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)

	receipts, err = f.distributor.Receipts().ForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateDelivered, receipts[mustRecipientID(t, f, 1001)].State)
}

func TestDistributeDeactivatesRecipientOnPermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blockedID := f.subscribe(t, 1001, "channel-a")
	f.subscribe(t, 1002, "channel-a")
	job := f.completedJob(t, "channel-a", "vid-1")

	f.sender.failChat[1001] = services.Wrap(services.ErrPermanent, "telegram", "send", "bot was blocked by the user", nil)

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 2, f.sender.calls, "permanent failure must not be retried")

	recipients, err := f.directory.Recipients(ctx, true)
	require.NoError(t, err)
	require.Len(t, recipients, 1, "blocked recipient must be deactivated")
	require.NotEqual(t, blockedID, recipients[0].ID)

	// The next job for this source no longer fans out to the blocked chat.
	next := f.completedJob(t, "channel-a", "vid-2")
	result, err = f.distributor.Distribute(ctx, next)
	require.NoError(t, err)
	require.Equal(t, 1, result.Attempted)
}

func TestPermanentFailureReceiptIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.subscribe(t, 1001, "channel-a")
	job := f.completedJob(t, "channel-a", "vid-1")

	f.sender.failChat[1001] = services.Wrap(services.ErrPermanent, "telegram", "send", "bot was blocked by the user", nil)

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, f.sender.calls)

	receipts, err := f.distributor.Receipts().ForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailedPermanent, receipts[mustRecipientID(t, f, 1001)].State)
}

func TestRedeliveryPassSkipsPermanentReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recipientID := f.subscribe(t, 1001, "channel-a")
	job := f.completedJob(t, "channel-a", "vid-1")

	// A pair already marked permanently failed, recipient still active.
	require.NoError(t, f.distributor.Receipts().Upsert(ctx, Receipt{
		JobID:       job.ID,
		RecipientID: recipientID,
		State:       StateFailedPermanent,
		Attempts:    1,
		LastError:   "bot was blocked by the user",
	}))

	result, err := f.distributor.Distribute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 0, result.Attempted)
	require.Equal(t, 0, f.sender.calls)
}

func TestDistributeRejectsUncompletedJob(t *testing.T) {
	f := newFixture(t)
	item := testsupport.NewJob(t, f.store, "channel-a", "vid-1", 600)

	_, err := f.distributor.Distribute(context.Background(), item)
	require.Error(t, err)
}

func TestFormatMessageIncludesTags(t *testing.T) {
	item := &queue.Item{Title: "Demo", URL: "https://example.com/v/1", SummaryText: "A summary."}
	item.SetTags([]string{"go", "unit testing"})

	text := FormatMessage(item)
	require.Contains(t, text, "Demo")
	require.Contains(t, text, "https://example.com/v/1")
	require.Contains(t, text, "A summary.")
	require.Contains(t, text, "#go")
	require.Contains(t, text, "#unit_testing")
}

func TestPacerSpacesSends(t *testing.T) {
	p := newPacer(50 * time.Millisecond)
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, p.wait(context.Background(), sleep))
	require.Empty(t, slept, "first send is not delayed")

	require.NoError(t, p.wait(context.Background(), sleep))
	require.Len(t, slept, 1)
	require.Greater(t, slept[0], time.Duration(0))
}

func mustRecipientID(t *testing.T, f *fixture, chatID int64) int64 {
	t.Helper()
	recipients, err := f.directory.Recipients(context.Background(), false)
	require.NoError(t, err)
	for _, recipient := range recipients {
		if recipient.ChatID == chatID {
			return recipient.ID
		}
	}
	t.Fatalf("recipient with chat %d not found", chatID)
	return 0
}
