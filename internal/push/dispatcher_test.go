package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orgchat/relay/internal/utils"
)

func TestMain(m *testing.M) {
	// go.opencensus.io/stats/view (via firebase -> google.golang.org/api) starts
	// a worker goroutine in init() that cannot be stopped.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, deviceToken string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, deviceToken)
	return nil
}

func (f *fakeSender) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherDeliversToEveryDevice(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, 16, 2, utils.NewLogger("error"))
	d.Start(context.Background())

	ok := d.Enqueue(Job{
		UserID: 9,
		Tokens: []string{"tok-a", "tok-b"},
		Note:   Notification{Title: "alice", Body: "hi"},
	})
	require.True(t, ok)

	waitFor(t, func() bool { return len(sender.tokens()) == 2 })
	d.Stop()

	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, sender.tokens())
}

func TestDispatcherDrainsQueueOnStop(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, 16, 1, utils.NewLogger("error"))

	for i := 0; i < 5; i++ {
		require.True(t, d.Enqueue(Job{UserID: int64(i), Tokens: []string{"tok"}}))
	}

	// Workers start after the queue is loaded; Stop must still deliver all.
	d.Start(context.Background())
	d.Stop()

	assert.Equal(t, 5, sender.callCount())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, 1, 1, utils.NewLogger("error"))

	require.True(t, d.Enqueue(Job{UserID: 1, Tokens: []string{"tok"}}))
	assert.False(t, d.Enqueue(Job{UserID: 2, Tokens: []string{"tok"}}))

	d.Start(context.Background())
	d.Stop()
}

func TestDispatcherRejectsAfterStop(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, 4, 1, utils.NewLogger("error"))
	d.Start(context.Background())
	d.Stop()

	assert.False(t, d.Enqueue(Job{UserID: 1, Tokens: []string{"tok"}}))
}

func TestDispatcherNilSenderDropsQuietly(t *testing.T) {
	d := NewDispatcher(nil, 4, 1, utils.NewLogger("error"))
	d.Start(context.Background())

	require.True(t, d.Enqueue(Job{UserID: 1, Tokens: []string{"tok"}}))
	d.Stop()
}

func TestDispatcherStopsTokenLoopWhenBreakerOpens(t *testing.T) {
	sender := &fakeSender{fail: gobreaker.ErrOpenState}
	d := NewDispatcher(sender, 4, 1, utils.NewLogger("error"))

	require.True(t, d.Enqueue(Job{UserID: 1, Tokens: []string{"a", "b", "c"}}))
	d.Start(context.Background())
	d.Stop()

	assert.Equal(t, 1, sender.callCount())
}

func TestDispatcherContinuesPastSendFailures(t *testing.T) {
	sender := &fakeSender{fail: errors.New("registration token not valid")}
	d := NewDispatcher(sender, 4, 1, utils.NewLogger("error"))

	require.True(t, d.Enqueue(Job{UserID: 1, Tokens: []string{"a", "b"}}))
	d.Start(context.Background())
	d.Stop()

	assert.Equal(t, 2, sender.callCount())
}
