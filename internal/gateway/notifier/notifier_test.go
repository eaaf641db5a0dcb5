package notifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
	block chan struct{}
}

func (c *captureSender) SendText(text string) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestTelegram_RetriesAndParsesResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"chat_id":"42"`)
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"ok":false,"description":"upstream"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.RetryDelay = time.Millisecond
	require.NoError(t, tg.SendText("hello"))
	assert.EqualValues(t, 3, hits.Load())
}

func TestTelegram_GivesUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.RetryDelay = time.Millisecond
	err := tg.SendText("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.EqualValues(t, 3, hits.Load())
}

func TestTelegram_OkFalseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()
	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	err := tg.SendText("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegram_RequiresCredentials(t *testing.T) {
	assert.Error(t, NewTelegram("", "1").SendText("x"))
}

func TestDispatcher_DeliversAndFilters(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, 8, []EventType{EventClosed})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Notify(Event{Type: EventOpened, Symbol: "BTCUSDT"})
	d.Notify(Event{Type: EventClosed, Symbol: "BTCUSDT", Reason: "TAKE_PROFIT", Pnl: decimal.NewNullDecimal(decimal.RequireFromString("1.25"))})
	d.Notify(Event{Type: EventCloseFailed, Symbol: "ETHUSDT"})
	d.Close(time.Second)

	require.Equal(t, 2, sender.count())
	assert.Contains(t, sender.texts[0], "CLOSED")
	assert.Contains(t, sender.texts[0], "pnl: 1.2500")
	assert.Contains(t, sender.texts[1], "action required")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sender := &captureSender{block: make(chan struct{})}
	d := NewDispatcher(sender, 1, nil)
	for i := 0; i < 4; i++ {
		d.Notify(Event{Type: EventOpened})
	}
	assert.EqualValues(t, 3, d.Dropped())
	close(sender.block)
}

func TestMessageFor_RendersFields(t *testing.T) {
	msg := MessageFor(Event{
		Type: EventPhantomDetected, PositionID: "p1", Symbol: "SOLUSDT", Side: "LONG",
		Reason: "PHANTOM_CLEANUP", At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}).RenderMarkdown()
	assert.True(t, strings.HasPrefix(msg, "👻 PHANTOM_DETECTED"))
	assert.Contains(t, msg, "- SOLUSDT LONG")
	assert.Contains(t, msg, "- position: p1")
	assert.Contains(t, msg, "2024-01-02 03:04:05 UTC")
}

func TestRecorder_OfType(t *testing.T) {
	var r Recorder
	r.Notify(Event{Type: EventOpened})
	r.Notify(Event{Type: EventClosed})
	assert.Len(t, r.OfType(EventClosed), 1)
	assert.Len(t, r.Events(), 2)
}
