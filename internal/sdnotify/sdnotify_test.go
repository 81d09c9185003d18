package sdnotify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func testNotifier(rec *recorder, interval time.Duration, werr error) *Notifier {
	return &Notifier{
		notify:   rec.notify,
		watchdog: func(bool) (time.Duration, error) { return interval, werr },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestLifecycleStates(t *testing.T) {
	rec := &recorder{}
	n := testNotifier(rec, 0, nil)

	assert.True(t, n.Ready())
	assert.True(t, n.Status("serving on :5001"))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{"READY=1", "STATUS=serving on :5001", "STOPPING=1"}, rec.states)
}

func TestSendErrorIsSwallowed(t *testing.T) {
	rec := &recorder{err: errors.New("socket gone")}
	assert.False(t, testNotifier(rec, 0, nil).Ready())
}

func TestWatchdogDisabledReturnsImmediately(t *testing.T) {
	for _, werr := range []error{nil, errors.New("bad WATCHDOG_USEC")} {
		rec := &recorder{}
		done := make(chan struct{})
		go func() {
			testNotifier(rec, 0, werr).RunWatchdog(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RunWatchdog blocked without a watchdog")
		}
		assert.Empty(t, rec.states)
	}
}

func TestWatchdogPings(t *testing.T) {
	rec := &recorder{}
	n := testNotifier(rec, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count("WATCHDOG=1") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
