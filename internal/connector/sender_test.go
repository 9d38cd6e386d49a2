package connector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

// drain keeps reading until the peer goes away.
func drain(bot *fakeBot, conn *websocket.Conn) {
	for {
		if _, ok := bot.read(conn); !ok {
			return
		}
	}
}

func replyEach(reply string) func(int, *websocket.Conn, *fakeBot) {
	return func(_ int, conn *websocket.Conn, bot *fakeBot) {
		for {
			if _, ok := bot.read(conn); !ok {
				return
			}
			bot.reply(conn, reply)
		}
	}
}

func newTestSender(t *testing.T, bot *fakeBot, dialer *countingDialer) (*Sender, *fakeFlags) {
	t.Helper()
	flags := &fakeFlags{}
	s := NewSender(bot.botConfig(), flags, dialer)
	t.Cleanup(s.Close)
	return s, flags
}

func TestSender_ConnectsAndReturnsReplyData(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true, "data": "ok"}`))
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	require.False(t, s.Connected())

	data, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ok", got)
	assert.True(t, s.Connected())
	assert.EqualValues(t, 1, dialer.dials.Load())

	frames := bot.recorded()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"message","data":"hello"}`, frames[0])

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Equal(t, "/websocket/bot", bot.paths[0])
	assert.Equal(t, "Survival", bot.headers[0].Get("name"))
}

func TestSender_SuccessWithoutPayload(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	s, _ := newTestSender(t, bot, newCountingDialer())

	data, err := s.Send(context.Background(), protocol.TypeServerShutdown, nil, true)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.JSONEq(t, `{"type":"server_shutdown"}`, bot.recorded()[0])
}

func TestSender_ReconnectsAfterPeerClose(t *testing.T) {
	bot := newFakeBot(t, func(n int, conn *websocket.Conn, bot *fakeBot) {
		if n == 0 {
			bot.read(conn)
			return // close before replying
		}
		replyEach(`{"success": true, "data": "second"}`)(n, conn, bot)
	})
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	require.True(t, s.Connect(context.Background()))

	data, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
	require.NoError(t, err)
	assert.JSONEq(t, `"second"`, string(data))
	assert.Equal(t, 2, bot.frameCount(), "exactly two transmits")
	assert.EqualValues(t, 2, dialer.dials.Load())
}

func TestSender_MalformedReplyIsRetriedLikeTransportFailure(t *testing.T) {
	bot := newFakeBot(t, func(n int, conn *websocket.Conn, bot *fakeBot) {
		if n == 0 {
			bot.read(conn)
			bot.reply(conn, "not json")
			drain(bot, conn)
			return
		}
		replyEach(`{"success": true}`)(n, conn, bot)
	})
	s, _ := newTestSender(t, bot, newCountingDialer())

	_, err := s.Send(context.Background(), protocol.TypePlayerJoined, "Alex", true)
	require.NoError(t, err)
	assert.Equal(t, 2, bot.frameCount())
}

func TestSender_TimeoutIsTerminal(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		drain(bot, conn) // never replies
	})
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	s.SetResponseTimeout(100 * time.Millisecond)

	start := time.Now()
	_, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Connected(), "handle must be absent after a timeout")
	assert.Equal(t, StateAbsent, s.conn.State())

	// give a stray resend time to show up
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, bot.frameCount(), "exactly one transmit")
	assert.EqualValues(t, 1, dialer.dials.Load(), "no reconnect after timeout")
}

func TestSender_BoundedRetry(t *testing.T) {
	dialer := newCountingDialer()
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		bot.read(conn)
		dialer.fail.Store(true)
	})
	s, _ := newTestSender(t, bot, dialer)

	_, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
	assert.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 1+MaxReconnectAttempts, dialer.dials.Load(),
		"one initial connect plus exactly three reconnect attempts")
	assert.Equal(t, 1, bot.frameCount())
	assert.False(t, s.Connected())
}

func TestSender_RejectIsNotRetried(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": false}`))
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)

	_, err := s.Send(context.Background(), protocol.TypePlayerLeft, "Steve", true)
	assert.ErrorIs(t, err, ErrRejected)
	assert.EqualValues(t, 1, dialer.dials.Load())
	assert.Equal(t, 1, bot.frameCount())
	assert.True(t, s.Connected(), "a rejection keeps the handle")
}

func TestSender_NoNetworkIsPreconditionFailure(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	dialer := newCountingDialer()
	dialer.fail.Store(true)
	s, _ := newTestSender(t, bot, dialer)

	_, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.EqualValues(t, 1, dialer.dials.Load(), "no retry loop on precondition failure")
	assert.Equal(t, 0, bot.acceptedCount())
	assert.Equal(t, 0, bot.frameCount())
}

func TestSender_PublishChatIsFireAndForget(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		drain(bot, conn) // never answers
	})
	s, _ := newTestSender(t, bot, newCountingDialer())
	s.SetResponseTimeout(5 * time.Second)

	start := time.Now()
	assert.True(t, s.PublishChat(context.Background(), "Steve", "hi there"))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, s.Connected())

	require.True(t, waitFor(t, time.Second, func() bool { return bot.frameCount() == 1 }))
	assert.JSONEq(t, `{"type":"player_chat","data":["Steve","hi there"]}`, bot.recorded()[0])
}

func TestSender_AnnounceStartupPersistsSyncFlag(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true, "data": true}`))
	s, flags := newTestSender(t, bot, newCountingDialer())

	assert.True(t, s.AnnounceStartup(context.Background()))
	assert.True(t, flags.SyncAllMessages())
	assert.Equal(t, 1, flags.writes)
}

func TestSender_AnnounceStartupWithoutFlagLeavesConfig(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	s, flags := newTestSender(t, bot, newCountingDialer())

	assert.True(t, s.AnnounceStartup(context.Background()))
	assert.Equal(t, 0, flags.writes)
}

func TestSender_DerivedOperationsReportFailure(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": false}`))
	s, flags := newTestSender(t, bot, newCountingDialer())
	ctx := context.Background()

	assert.False(t, s.AnnounceStartup(ctx))
	assert.False(t, s.AnnounceShutdown(ctx))
	assert.False(t, s.AnnouncePlayerJoined(ctx, "Alex"))
	assert.False(t, s.AnnouncePlayerLeft(ctx, "Alex"))
	assert.False(t, s.PublishSynchronousMessage(ctx, "[Survival] <Alex> hi"))
	assert.Equal(t, 0, flags.writes)
}

func TestSender_CloseIsIdempotent(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	s, _ := newTestSender(t, bot, newCountingDialer())
	require.True(t, s.Connect(context.Background()))

	s.Close()
	assert.Equal(t, StateAbsent, s.conn.State())
	s.Close()
	assert.Equal(t, StateAbsent, s.conn.State())

	_, err := s.Send(context.Background(), protocol.TypeMessage, "late", true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSender_CloseInterruptsPendingExchange(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		drain(bot, conn)
	})
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	s.SetResponseTimeout(10 * time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), protocol.TypeMessage, "hello", true)
		errCh <- err
	}()

	require.True(t, waitFor(t, 2*time.Second, func() bool { return bot.frameCount() == 1 }))
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Send still blocked after Close")
	}
	assert.EqualValues(t, 1, dialer.dials.Load())
}

func TestSender_ConcurrentExchangesAreSerialized(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		for {
			frame, ok := bot.read(conn)
			if !ok {
				return
			}
			env, err := protocol.DecodeEnvelope([]byte(frame))
			if err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
			bot.reply(conn, `{"success": true, "data": `+string(env.Data)+`}`)
		}
	})
	s, _ := newTestSender(t, bot, newCountingDialer())
	require.True(t, s.Connect(context.Background()))

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := string(rune('a' + i))
			data, err := s.Send(context.Background(), protocol.TypeMessage, text, true)
			if err == nil {
				_ = json.Unmarshal(data, &results[i])
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c", "d"}, results, "each caller gets its own reply")
	assert.Equal(t, 4, bot.frameCount())
}

type recordingRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingRecorder) RecordDelivery(t protocol.EventType, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "fail"
	if ok {
		status = "ok"
	}
	r.entries = append(r.entries, string(t)+":"+status)
}

func TestSender_RecordsDeliveries(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	rec := &recordingRecorder{}
	s.SetRecorder(rec)

	s.AnnouncePlayerJoined(context.Background(), "Alex")
	dialer.fail.Store(true)
	s.Close()
	s.AnnouncePlayerLeft(context.Background(), "Alex")

	assert.Equal(t, []string{"player_joined:ok", "player_left:fail"}, rec.entries)
}

func TestSender_DisconnectKeepsSenderUsable(t *testing.T) {
	bot := newFakeBot(t, replyEach(`{"success": true}`))
	dialer := newCountingDialer()
	s, _ := newTestSender(t, bot, dialer)
	require.True(t, s.Connect(context.Background()))

	s.Disconnect()
	assert.False(t, s.Connected())

	_, err := s.Send(context.Background(), protocol.TypeServerStartup, nil, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, dialer.dials.Load())
}
