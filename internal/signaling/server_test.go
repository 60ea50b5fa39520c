package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lumenvid/signal-relay/internal/matchmaking"
	"github.com/lumenvid/signal-relay/internal/metrics"
)

type frozenClock struct {
	t time.Time
}

func (c frozenClock) Now() time.Time { return c.t }

func newTestServer(t *testing.T, mutate func(*Config)) (string, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	cfg := Config{
		Service: matchmaking.NewService(matchmaking.Config{Metrics: m}),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mux := http.NewServeMux()
	NewServer(cfg).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", m
}

func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) serverEnvelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

func writeJSON(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

// matchPair connects two clients and matches them. It returns the
// connections together with each side's connection id as learned from the
// other's chatMatched.
func matchPair(t *testing.T, wsURL string) (a, b *websocket.Conn, aID, bID string) {
	t.Helper()

	a = dialWS(t, wsURL)
	if env := readEnvelope(t, a); env.Event != eventCreate {
		t.Fatalf("first frame=%q, want create", env.Event)
	}
	b = dialWS(t, wsURL)
	if env := readEnvelope(t, b); env.Event != eventCreate {
		t.Fatalf("first frame=%q, want create", env.Event)
	}

	writeJSON(t, b, `{"event":"startChat"}`)

	matchA := readEnvelope(t, a)
	matchB := readEnvelope(t, b)
	if matchA.Event != eventChatMatched || matchB.Event != eventChatMatched {
		t.Fatalf("events=%q/%q, want chatMatched for both", matchA.Event, matchB.Event)
	}
	if matchA.RoomID == "" || matchA.RoomID != matchB.RoomID {
		t.Fatalf("room ids %q/%q, want one shared room", matchA.RoomID, matchB.RoomID)
	}
	if matchA.To == "" || matchB.To == "" || matchA.To == matchB.To {
		t.Fatalf("to=%q/%q, want distinct peer addresses", matchA.To, matchB.To)
	}

	// Each side was told the other's address.
	return a, b, matchB.To, matchA.To
}

func TestConnectAcknowledgesWithUserID(t *testing.T) {
	wsURL, m := newTestServer(t, nil)

	ws := dialWS(t, wsURL)
	env := readEnvelope(t, ws)
	if env.Event != eventCreate {
		t.Fatalf("Event=%q, want create", env.Event)
	}
	if _, err := uuid.Parse(env.UserID); err != nil {
		t.Fatalf("userId=%q is not a uuid: %v", env.UserID, err)
	}
	if got := m.Get(metrics.ConnectionsOpened); got != 1 {
		t.Errorf("connections_opened=%d, want 1", got)
	}
}

func TestStartChatAloneGetsChatError(t *testing.T) {
	wsURL, m := newTestServer(t, nil)

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	writeJSON(t, ws, `{"event":"startChat"}`)
	env := readEnvelope(t, ws)
	if env.Event != eventChatError {
		t.Fatalf("Event=%q, want chatError", env.Event)
	}
	if env.Message == "" {
		t.Errorf("chatError carries no message")
	}
	if got := m.Get(metrics.WaitingForPeer); got != 1 {
		t.Errorf("waiting_for_peer=%d, want 1", got)
	}
}

func TestMatchAndRelayFlow(t *testing.T) {
	wsURL, m := newTestServer(t, nil)
	a, b, aID, bID := matchPair(t, wsURL)

	// Target-addressed offer.
	writeJSON(t, a, `{"event":"call-user","targetSocketID":"`+bID+`","offer":{"type":"offer","sdp":"v=0"}}`)
	env := readEnvelope(t, b)
	if env.Event != eventCallMade {
		t.Fatalf("Event=%q, want call-made", env.Event)
	}
	if env.SourceSocketID != aID {
		t.Errorf("SourceSocketID=%q, want %q", env.SourceSocketID, aID)
	}
	if string(env.Offer) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("Offer=%s, want verbatim forward", env.Offer)
	}

	// Target-addressed answer.
	writeJSON(t, b, `{"event":"make-answer","targetSocketID":"`+aID+`","answer":{"type":"answer","sdp":"v=0"}}`)
	env = readEnvelope(t, a)
	if env.Event != eventAnswerMade || env.SourceSocketID != bID {
		t.Fatalf("got %q from %q, want answer-made from %q", env.Event, env.SourceSocketID, bID)
	}

	// Room-broadcast candidate (no target named).
	writeJSON(t, a, `{"event":"ice-candidate","candidate":{"candidate":"candidate:1"}}`)
	env = readEnvelope(t, b)
	if env.Event != eventICECandidate || env.SourceSocketID != aID {
		t.Fatalf("got %q from %q, want ice-candidate from %q", env.Event, env.SourceSocketID, aID)
	}

	// Opaque application payload.
	writeJSON(t, b, `{"event":"ask-increment","payload":{"n":1}}`)
	env = readEnvelope(t, a)
	if env.Event != eventAskIncrement || string(env.Payload) != `{"n":1}` {
		t.Fatalf("got %q payload %s, want ask-increment {\"n\":1}", env.Event, env.Payload)
	}

	if got := m.Get(metrics.RelayedTarget); got != 2 {
		t.Errorf("relayed_target=%d, want 2", got)
	}
	if got := m.Get(metrics.RelayedRoom); got != 2 {
		t.Errorf("relayed_room=%d, want 2", got)
	}
}

func TestSecondStartChatIsRefused(t *testing.T) {
	wsURL, _ := newTestServer(t, nil)
	a, _, _, _ := matchPair(t, wsURL)

	writeJSON(t, a, `{"event":"startChat"}`)
	env := readEnvelope(t, a)
	if env.Event != eventChatError {
		t.Fatalf("Event=%q, want chatError for matched requester", env.Event)
	}
}

func TestHangupNotifiesPeerAndCloses(t *testing.T) {
	wsURL, _ := newTestServer(t, nil)
	a, b, aID, _ := matchPair(t, wsURL)

	writeJSON(t, a, `{"event":"hangup"}`)

	env := readEnvelope(t, b)
	if env.Event != eventHangup || env.SourceSocketID != aID {
		t.Fatalf("got %q from %q, want hangup from %q", env.Event, env.SourceSocketID, aID)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := a.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal closure", err)
	}
}

func TestDisconnectNotifiesRoomPeer(t *testing.T) {
	wsURL, _ := newTestServer(t, nil)
	a, b, aID, _ := matchPair(t, wsURL)

	a.Close()

	env := readEnvelope(t, b)
	if env.Event != eventHangup || env.SourceSocketID != aID {
		t.Fatalf("got %q from %q, want hangup from %q", env.Event, env.SourceSocketID, aID)
	}
}

func TestRelayToUnknownTargetReportsDeliveryFailed(t *testing.T) {
	wsURL, m := newTestServer(t, nil)

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	writeJSON(t, ws, `{"event":"call-user","targetSocketID":"nope","offer":{"type":"offer","sdp":"v=0"}}`)
	env := readEnvelope(t, ws)
	if env.Event != eventDeliveryFailed {
		t.Fatalf("Event=%q, want delivery-failed", env.Event)
	}
	if env.To != "nope" || env.FailedEvent != eventCallUser {
		t.Errorf("to=%q failedEvent=%q, want nope/call-user", env.To, env.FailedEvent)
	}
	if got := m.Get(metrics.UnknownTarget); got != 1 {
		t.Errorf("unknown_target=%d, want 1", got)
	}
}

func TestMalformedEnvelopesAreDroppedNotFatal(t *testing.T) {
	wsURL, m := newTestServer(t, nil)

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	writeJSON(t, ws, `this is not json`)
	writeJSON(t, ws, `{"event":"no-such-event"}`)
	writeJSON(t, ws, `{"event":"startChat"}`)

	// The valid message after the garbage still gets handled.
	env := readEnvelope(t, ws)
	if env.Event != eventChatError {
		t.Fatalf("Event=%q, want chatError", env.Event)
	}
	if got := m.Get(metrics.MalformedEnvelope); got != 2 {
		t.Errorf("malformed_envelope=%d, want 2", got)
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	wsURL, _ := newTestServer(t, nil)

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want unsupported data closure", err)
	}
}

func TestMessageRateLimitClosesConnection(t *testing.T) {
	wsURL, m := newTestServer(t, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 3
		cfg.Clock = frozenClock{t: time.Now()} // no refill
	})

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	for i := 0; i < 4; i++ {
		writeJSON(t, ws, `{"event":"startChat"}`)
	}

	for i := 0; i < 3; i++ {
		if env := readEnvelope(t, ws); env.Event != eventChatError {
			t.Fatalf("frame %d: Event=%q, want chatError", i, env.Event)
		}
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation closure", err)
	}
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Errorf("rate_limited=%d, want 1", got)
	}
}

func TestAcceptLimiterRejectsUpgrade(t *testing.T) {
	wsURL, m := newTestServer(t, func(cfg *Config) {
		cfg.AcceptLimiter = rate.NewLimiter(0, 0)
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v, want 429", resp)
	}
	if got := m.Get(metrics.AcceptRejected); got != 1 {
		t.Errorf("accept_rejected=%d, want 1", got)
	}
}

func TestConnectionCapClosesExtraConnections(t *testing.T) {
	wsURL, _ := newTestServer(t, func(cfg *Config) {
		cfg.Service = matchmaking.NewService(matchmaking.Config{MaxConnections: 1, Metrics: cfg.Metrics})
	})

	first := dialWS(t, wsURL)
	readEnvelope(t, first) // create

	second := dialWS(t, wsURL)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("err=%v, want try again later closure", err)
	}
}

func TestOriginCheckGatesUpgrade(t *testing.T) {
	wsURL, _ := newTestServer(t, func(cfg *Config) {
		cfg.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == "https://app.example.com"
		}
	})

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("dial without origin succeeded, want rejection")
	}

	header := http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	defer ws.Close()
	if env := readEnvelope(t, ws); env.Event != eventCreate {
		t.Fatalf("Event=%q, want create", env.Event)
	}
}

func TestKeepaliveOutlivesIdleTimeout(t *testing.T) {
	wsURL, _ := newTestServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 250 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})

	ws := dialWS(t, wsURL)
	readEnvelope(t, ws) // create

	// Stay silent for twice the idle timeout; the dialer answers the
	// server's pings while blocked in the read below.
	go func() {
		time.Sleep(500 * time.Millisecond)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"startChat"}`))
	}()

	env := readEnvelope(t, ws)
	if env.Event != eventChatError {
		t.Fatalf("Event=%q, want chatError after quiet period", env.Event)
	}
}
