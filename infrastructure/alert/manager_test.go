package alert

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-access-go/clock"
)

type recordingChannel struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
}

func (c *recordingChannel) Send(a Alert) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendStampsAndFansOut(t *testing.T) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	a, b := &recordingChannel{name: "a"}, &recordingChannel{name: "b"}
	mgr := NewManager([]Channel{a, b}, time.Minute, fake)

	require.NoError(t, mgr.Warning("limiter exhausted", map[string]any{"category": "quotation"}))
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	got := a.alerts[0]
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, fake.Now(), got.Timestamp)
	assert.Equal(t, "quotation", got.Fields["category"])
	assert.Equal(t, []string{"a", "b"}, mgr.Channels())
}

func TestThrottleByLevelAndMessage(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ch := &recordingChannel{name: "log"}
	mgr := NewManager([]Channel{ch}, time.Minute, fake)

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Warning("stream down", nil))
	}
	assert.Equal(t, 1, ch.count())

	// 不同级别不共享限流 key
	require.NoError(t, mgr.Error("stream down", nil))
	assert.Equal(t, 2, ch.count())

	fake.Advance(time.Minute)
	require.NoError(t, mgr.Warning("stream down", nil))
	assert.Equal(t, 3, ch.count())

	sent, dropped := mgr.Counts()
	assert.Equal(t, 3, sent)
	assert.Equal(t, 2, dropped)

	mgr.ResetThrottle()
	require.NoError(t, mgr.Warning("stream down", nil))
	assert.Equal(t, 4, ch.count())
}

func TestSendErrorsOnlyWhenEveryChannelFails(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("boom")}
	good := &recordingChannel{name: "good"}
	mgr := NewManager([]Channel{bad, good}, 0, nil)
	assert.NoError(t, mgr.Error("first", nil))

	mgr.RemoveChannel("good")
	err := mgr.Error("second", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel bad failed")
}

func TestWebhookChannel(t *testing.T) {
	received := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- a
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, time.Second)
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "all limiters exhausted"}))
	got := <-received
	assert.Equal(t, LevelCritical, got.Level)
	assert.Equal(t, "all limiters exhausted", got.Message)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	assert.Error(t, NewWebhookChannel("hook", failing.URL, time.Second).Send(Alert{Level: LevelError}))
}

func TestLogChannelNeverFails(t *testing.T) {
	ch := NewLogChannel("log", nil)
	assert.Equal(t, "log", ch.Name())
	assert.NoError(t, ch.Send(Alert{Level: LevelInfo, Message: "hello"}))
}
