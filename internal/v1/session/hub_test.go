package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/rooms"
)

func sessionToken(t *testing.T, f *fakeTransport) string {
	t.Helper()
	created := f.eventsFor(t, "session:created")
	require.Len(t, created, 1)
	return decodePayload[sessionCreatedPayload](t, created[0]).Token
}

func TestHubOpen_CreatesSession(t *testing.T) {
	h, _ := newTestHub(t, recoveryOptions(10*time.Second, time.Minute))

	var mu sync.Mutex
	var order []string
	for _, topic := range []string{events.TopicConnection, events.TopicSessionCreated} {
		topic := topic
		h.Events().Subscribe(topic, func(_ context.Context, _ *events.Event) {
			mu.Lock()
			order = append(order, topic)
			mu.Unlock()
		})
	}

	c, f := openConn(t, h)

	require.NotEmpty(t, c.SessionID())
	assert.False(t, c.CanRefreshToken(), "refresh is rate limited from the mint")

	created := f.eventsFor(t, "session:created")
	require.Len(t, created, 1)
	payload := decodePayload[sessionCreatedPayload](t, created[0])
	assert.NotEmpty(t, payload.Token)
	assert.Equal(t, int64(10_000), payload.TTL, "ttl is pushed in milliseconds")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.TopicConnection, events.TopicSessionCreated}, order)
}

func TestHubOpen_RecoveryDisabled(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	c, f := openConn(t, h)

	assert.Empty(t, c.SessionID())
	assert.Equal(t, 0, f.frameCount(), "no session events without recovery")
	assert.False(t, c.CanRefreshToken())
}

// A client reconnecting with a valid token gets its connection back:
// identity, user data, subscriptions and in-flight requests included.
func TestHubRecovery_RoundTrip(t *testing.T) {
	h, _ := newTestHub(t, recoveryOptions(10*time.Second, time.Minute))
	recovered := recordBus(h, events.TopicSessionRecover)

	c, f1 := openConn(t, h)
	sid := c.SessionID()
	tok := sessionToken(t, f1)

	require.NoError(t, h.Rooms().Declare("game:lobby", rooms.Options{Kind: rooms.KindPublic}))
	sub := clientRequest(t, h, f1, MethodSubscribe, map[string]any{"topic": "game:lobby"})
	require.True(t, decodePayload[rooms.SubscribeResult](t, sub).OK)
	c.SetUserData("userId", "alice")

	got := make(chan requestAnswer, 1)
	go func() {
		m, err := c.Request(context.Background(), "client.state", nil, 30*time.Second)
		got <- requestAnswer{msg: m, err: err}
	}()
	require.Eventually(t, func() bool { return c.pendingCount() == 1 }, time.Second, time.Millisecond)

	var reqID string
	for _, m := range f1.sentMessages(t) {
		if m.Kind == protocol.KindRequest && m.Method == "client.state" {
			reqID = m.ID
		}
	}
	require.NotEmpty(t, reqID)

	h.disconnect(f1, websocket.CloseAbnormalClosure, "network blip")
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, c.pendingCount(), "pending requests survive the park")

	f2 := newFakeTransport()
	c2 := h.open(f2, tok)
	require.Same(t, c, c2, "recovery rebinds the same connection")
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, sid, c.SessionID())
	assert.Empty(t, f2.eventsFor(t, "session:created"), "no fresh session on recovery")

	recEvs := f2.eventsFor(t, "session:recovered")
	require.Len(t, recEvs, 1)
	assert.Equal(t, sid, decodePayload[sessionRecoveredPayload](t, recEvs[0]).SessionID)
	require.Len(t, recovered(), 1)

	userID, ok := c.UserDataString("userId")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, []string{"game:lobby"}, c.Topics())

	res, err := h.Broadcast(context.Background(), "game:lobby", map[string]string{"phase": "started"})
	require.NoError(t, err)
	assert.Equal(t, rooms.BroadcastResult{Targets: 1, Sent: 1}, res)
	require.Len(t, f2.eventsFor(t, "game:lobby"), 1)

	deliver(t, h, f2, protocol.NewResponse(reqID, json.RawMessage(`{"restored":true}`)))
	select {
	case a := <-got:
		require.NoError(t, a.err)
		assert.JSONEq(t, `{"restored":true}`, string(a.msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("Parked request not resolved after recovery")
	}
}

// An expired token falls through to a fresh connection: the client is told
// why, then handed a brand new session.
func TestHubRecovery_ExpiredToken(t *testing.T) {
	h, clk := newTestHub(t, recoveryOptions(time.Second, time.Minute))
	failures := recordBus(h, events.TopicSessionFailed)

	c1, f1 := openConn(t, h)
	oldSid := c1.SessionID()
	tok := sessionToken(t, f1)
	h.disconnect(f1, websocket.CloseAbnormalClosure, "network blip")

	clk.Step(2 * time.Second)

	f2 := newFakeTransport()
	c2 := h.open(f2, tok)
	require.NotNil(t, c2)
	require.NotSame(t, c1, c2)
	assert.NotEqual(t, oldSid, c2.SessionID())

	msgs := f2.sentMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "session:recovery-failed", msgs[0].Topic, "failure is pushed before the new session")
	assert.Equal(t, "session:created", msgs[1].Topic)
	reason := decodePayload[recoveryFailedPayload](t, msgs[0]).Reason
	assert.Contains(t, reason, "expired")

	require.Len(t, failures(), 1)
	fe, ok := failures()[0].(RecoveryFailure)
	require.True(t, ok)
	assert.Same(t, c2, fe.Conn)
}

func TestHubRecovery_InvalidToken(t *testing.T) {
	h, _ := newTestHub(t, recoveryOptions(10*time.Second, time.Minute))

	f := newFakeTransport()
	c := h.open(f, "not.a.token")
	require.NotNil(t, c)
	require.NotEmpty(t, c.SessionID())

	failed := f.eventsFor(t, "session:recovery-failed")
	require.Len(t, failed, 1)
	assert.Contains(t, decodePayload[recoveryFailedPayload](t, failed[0]).Reason, "invalid")
	require.Len(t, f.eventsFor(t, "session:created"), 1)
}

// A transport-close event can race a token reconnect for the same
// connection. Whichever piece of the close path runs after the rebind must
// recognize that the old transport no longer owns the connection and leave
// the new generation alone.
func TestHubDisconnect_ReboundDuringClose(t *testing.T) {
	opts := recoveryOptions(10*time.Second, time.Minute)
	opts.Health = HealthConfig{Enabled: true}
	h, _ := newTestHub(t, opts)

	c, f1 := openConn(t, h)
	sid := c.SessionID()
	require.NotEmpty(t, sid)

	// Rebind wins before the close transitions any state: the close of the
	// displaced transport is void.
	f2 := newFakeTransport()
	c2, err := h.registry.reconnect(sid, f2)
	require.NoError(t, err)
	require.Same(t, c, c2)
	assert.False(t, c.beginClose(f1), "displaced transport cannot take the close")
	assert.Equal(t, StateOpen, c.State())

	// The close wins the state transition but the rebind lands before the
	// park: the close path must back off instead of tearing down the fresh
	// generation.
	f3 := newFakeTransport()
	require.True(t, c.beginClose(f2))
	_, err = h.registry.reconnect(sid, f3)
	require.NoError(t, err)
	require.Nil(t, h.registry.markDisconnected(f2), "old transport is already unbound")
	c.finishClose(f2)

	assert.Equal(t, StateOpen, c.State())
	require.Same(t, c, h.registry.get(f3))
	require.Same(t, c, h.registry.FindBySession(sid))
	assert.True(t, c.Health().Running, "rebind restarts the health loop")
	require.NoError(t, c.Emit("app:ready", nil))
	require.Len(t, f3.eventsFor(t, "app:ready"), 1)
}

func TestHubRefresh_RateLimitThenSuccess(t *testing.T) {
	h, clk := newTestHub(t, recoveryOptions(10*time.Second, time.Minute))
	refreshes := recordBus(h, events.TopicSessionRefresh)

	c, f := openConn(t, h)
	sid := c.SessionID()
	firstToken := sessionToken(t, f)
	c.SetSessionMetadata(map[string]any{"device": "ios"})

	// Immediately after the mint the refresh is rate limited.
	resp := clientRequest(t, h, f, MethodRefresh, nil)
	r := decodePayload[refreshResult](t, resp)
	assert.False(t, r.Success)
	assert.Equal(t, "Rate limit exceeded", r.Error)
	assert.Equal(t, int64(5000), r.WaitMs)

	clk.Step(5 * time.Second)
	require.True(t, c.CanRefreshToken())

	resp = clientRequest(t, h, f, MethodRefresh, nil)
	r = decodePayload[refreshResult](t, resp)
	require.True(t, r.Success)
	assert.Equal(t, sid, r.SessionID)
	require.NotEmpty(t, r.Token)
	assert.NotEqual(t, firstToken, r.Token)

	wire := f.eventsFor(t, "session:refreshed")
	require.Len(t, wire, 1)
	assert.Equal(t, r.Token, decodePayload[sessionRefreshedPayload](t, wire[0]).Token)
	require.Len(t, refreshes(), 1)

	// The window restarts from the new mint.
	resp = clientRequest(t, h, f, MethodRefresh, nil)
	r2 := decodePayload[refreshResult](t, resp)
	assert.Equal(t, "Rate limit exceeded", r2.Error)
	assert.Equal(t, int64(5000), r2.WaitMs)

	// The refreshed token recovers the session, metadata included.
	h.disconnect(f, websocket.CloseAbnormalClosure, "network blip")
	f2 := newFakeTransport()
	c2 := h.open(f2, r.Token)
	require.Same(t, c, c2)
	recEvs := f2.eventsFor(t, "session:recovered")
	require.Len(t, recEvs, 1)
	meta := decodePayload[sessionRecoveredPayload](t, recEvs[0]).Metadata
	assert.Equal(t, "ios", meta["device"])
}

func TestHubRefresh_NoSession(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	_, f := openConn(t, h)

	resp := clientRequest(t, h, f, MethodRefresh, nil)
	r := decodePayload[refreshResult](t, resp)
	assert.False(t, r.Success)
	assert.Equal(t, "No active session", r.Error)
}

func TestHubMessage_StrictPublishesProtocolError(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	violations := recordBus(h, events.TopicProtocolError)
	c, f := openConn(t, h)

	h.message(f, []byte("not an envelope"), false)
	h.message(f, []byte{0x01, 0x02}, true)

	got := violations()
	require.Len(t, got, 2, "every rejected frame is surfaced on the bus")

	first := got[0].(ProtocolErrorEvent)
	require.Same(t, c, first.Conn)
	require.Error(t, first.Err)
	var protoErr *protocol.ProtocolError
	assert.ErrorAs(t, first.Err, &protoErr)
	assert.Equal(t, []byte("not an envelope"), first.Raw)
	assert.False(t, first.Binary)

	second := got[1].(ProtocolErrorEvent)
	assert.True(t, second.Binary)

	assert.Equal(t, 0, f.frameCount(), "nothing is written back to the client")
	assert.Equal(t, StateOpen, c.State(), "the connection stays up; policy is the listener's call")
}

func TestHubMessage_PermissiveSynthesizesEvents(t *testing.T) {
	h, _ := newTestHub(t, Options{ParseMode: protocol.ParsePermissive})
	_, f := openConn(t, h)

	var mu sync.Mutex
	topics := map[string][]*protocol.Message{}
	record := func(topic string) {
		h.Topic(topic, func(_ context.Context, _ *Conn, _ []string, msg *protocol.Message) {
			mu.Lock()
			defer mu.Unlock()
			topics[topic] = append(topics[topic], msg)
		})
	}
	record(protocol.TopicJSON)
	record(protocol.TopicText)
	record(protocol.TopicBinary)

	h.message(f, []byte(`{"foo":1}`), false)
	h.message(f, []byte("plain words"), false)
	h.message(f, []byte{0xde, 0xad}, true)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, topics[protocol.TopicJSON], 1)
	assert.JSONEq(t, `{"foo":1}`, string(topics[protocol.TopicJSON][0].Payload))
	require.Len(t, topics[protocol.TopicText], 1)
	assert.Equal(t, []byte("plain words"), topics[protocol.TopicText][0].Raw)
	require.Len(t, topics[protocol.TopicBinary], 1)
	assert.Equal(t, []byte{0xde, 0xad}, topics[protocol.TopicBinary][0].Raw)
}

func TestHubMessage_PassthroughSkipsJSON(t *testing.T) {
	h, _ := newTestHub(t, Options{ParseMode: protocol.ParsePassthrough})
	_, f := openConn(t, h)

	var mu sync.Mutex
	var texts []*protocol.Message
	h.Topic(protocol.TopicText, func(_ context.Context, _ *Conn, _ []string, msg *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, msg)
	})

	h.message(f, []byte(`{"foo":1}`), false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 1)
	assert.Equal(t, []byte(`{"foo":1}`), texts[0].Raw)
}

// A bus listener cancelling the inbound offer suppresses dispatch: no
// handler runs and no response is produced.
func TestHubMessage_PreDispatchCancel(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	_, f := openConn(t, h)

	h.Events().Subscribe(string(protocol.KindRequest), func(_ context.Context, e *events.Event) {
		in, ok := e.Payload.(InboundMessage)
		if ok && in.Message.Method == "blocked.method" {
			e.Cancel()
		}
	})

	called := false
	h.Method("blocked.method", func(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})
	h.Method("allowed.method", func(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
		return "ok", nil
	})

	deliver(t, h, f, protocol.NewRequest("blocked.method", nil))
	assert.False(t, called)
	assert.Equal(t, 0, f.frameCount(), "cancelled requests get no response")

	resp := clientRequest(t, h, f, "allowed.method", nil)
	assert.False(t, resp.IsError())
}

func TestHubRPC_EndToEnd(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	c, f := openConn(t, h)

	h.Method("math.double", func(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
		require.Same(t, c, conn)
		var in struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]int{"n": in.N * 2}, nil
	})

	resp := clientRequest(t, h, f, "math.double", map[string]int{"n": 21})
	require.False(t, resp.IsError())
	assert.JSONEq(t, `{"n":42}`, string(resp.Payload))

	resp = clientRequest(t, h, f, "math.triple", nil)
	require.True(t, resp.IsError())
	assert.Equal(t, protocol.CodeHandlerError, resp.Error.Code)
	assert.Equal(t, "Unknown method: math.triple", resp.Error.Message)
}

func TestHubTopic_RoutesClientEvents(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	c, f := openConn(t, h)

	var mu sync.Mutex
	var calls []string
	h.Topic("chat:*", func(_ context.Context, conn *Conn, captures []string, _ *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		require.Same(t, c, conn)
		calls = append(calls, "pattern:"+captures[0])
	})
	h.Topic("chat:general", func(_ context.Context, _ *Conn, _ []string, _ *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "exact")
	})

	deliver(t, h, f, protocol.NewEvent("chat:general", json.RawMessage(`{"text":"hi"}`)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pattern:general", "exact"}, calls)
}

func TestHubBuiltins_SubscribeUnsubscribe(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	_, f := openConn(t, h)

	require.NoError(t, h.Rooms().Declare("lobby", rooms.Options{Kind: rooms.KindPublic}))

	resp := clientRequest(t, h, f, MethodSubscribe, map[string]any{"topic": "lobby"})
	res := decodePayload[rooms.SubscribeResult](t, resp)
	assert.True(t, res.OK)
	assert.Equal(t, "lobby", res.Topic)
	assert.Equal(t, 1, h.Rooms().Subscribers("lobby"))

	resp = clientRequest(t, h, f, MethodSubscribe, map[string]any{"topic": "nowhere"})
	res = decodePayload[rooms.SubscribeResult](t, resp)
	assert.False(t, res.OK)
	assert.Equal(t, "Room not declared (deny by default)", res.Error)

	resp = clientRequest(t, h, f, MethodUnsubscribe, map[string]any{"topic": "lobby"})
	res = decodePayload[rooms.SubscribeResult](t, resp)
	assert.True(t, res.OK)
	assert.Zero(t, h.Rooms().Subscribers("lobby"))

	resp = clientRequest(t, h, f, MethodUnsubscribe, map[string]any{"topic": "lobby"})
	res = decodePayload[rooms.SubscribeResult](t, resp)
	assert.False(t, res.OK, "second unsubscribe removes nothing")

	resp = clientRequest(t, h, f, MethodSubscribe, map[string]any{})
	require.True(t, resp.IsError())
	assert.Equal(t, protocol.CodeValidation, resp.Error.Code)
}

// Two users, one protected pattern: the validator admits only the owner,
// and a pattern broadcast reaches only the concrete subscriber.
func TestHubProtectedRoom_OwnerOnly(t *testing.T) {
	h, _ := newTestHub(t, Options{})

	require.NoError(t, h.Rooms().Declare("user:*", rooms.Options{
		Kind: rooms.KindProtected,
		Validator: func(_ context.Context, sub rooms.Subscriber, captures []string, _ json.RawMessage) (bool, error) {
			conn, ok := sub.(*Conn)
			if !ok {
				return false, errors.New("unexpected subscriber type")
			}
			userID, _ := conn.UserDataString("userId")
			return userID == captures[0], nil
		},
	}))

	alice, fa := openConn(t, h)
	alice.SetUserData("userId", "alice")
	bob, fb := openConn(t, h)
	bob.SetUserData("userId", "bob")

	resp := clientRequest(t, h, fa, MethodSubscribe, map[string]any{"topic": "user:alice"})
	require.True(t, decodePayload[rooms.SubscribeResult](t, resp).OK)

	resp = clientRequest(t, h, fb, MethodSubscribe, map[string]any{"topic": "user:alice"})
	res := decodePayload[rooms.SubscribeResult](t, resp)
	assert.False(t, res.OK)
	assert.Equal(t, "Permission denied", res.Error)

	out, err := h.Broadcast(context.Background(), "user:*", map[string]string{"kind": "nudge"})
	require.NoError(t, err)
	assert.Equal(t, rooms.BroadcastResult{Targets: 1, Sent: 1}, out)

	evs := fa.eventsFor(t, "user:*")
	require.Len(t, evs, 1, "broadcast topic is the pattern verbatim")
	assert.Empty(t, fb.eventsFor(t, "user:*"))
}

func TestHubProtectedRoom_ValidatorError(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	require.NoError(t, h.Rooms().Declare("vault:*", rooms.Options{
		Kind: rooms.KindProtected,
		Validator: func(_ context.Context, _ rooms.Subscriber, _ []string, _ json.RawMessage) (bool, error) {
			return false, errors.New("acl backend down")
		},
	}))
	_, f := openConn(t, h)

	resp := clientRequest(t, h, f, MethodSubscribe, map[string]any{"topic": "vault:secrets"})
	res := decodePayload[rooms.SubscribeResult](t, resp)
	assert.False(t, res.OK)
	assert.Equal(t, "Validator error", res.Error)
}

func TestHubShutdown(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	_, f1 := openConn(t, h)
	_, f2 := openConn(t, h)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, h.ShuttingDown())

	for _, f := range []*fakeTransport{f1, f2} {
		require.True(t, f.isClosed())
		code, reason := f.closeFrame()
		assert.Equal(t, websocket.CloseGoingAway, code)
		assert.Equal(t, "Server shutting down", reason)
	}

	require.NoError(t, h.Shutdown(context.Background()), "second shutdown is a no-op")

	f3 := newFakeTransport()
	assert.Nil(t, h.open(f3, ""))
	require.True(t, f3.isClosed())
	code, reason := f3.closeFrame()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "Server shutting down", reason)
}

func TestHubMessage_UnknownTransport(t *testing.T) {
	h, _ := newTestHub(t, Options{})

	require.NotPanics(t, func() {
		h.message(newFakeTransport(), []byte(`{"kind":"event","topic":"x","id":"1"}`), false)
	})
}
