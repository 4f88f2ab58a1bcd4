package relay

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"pgregory.net/rapid"

	"github.com/sukesh-kandasamy/sense/internal/analysis"
	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/signal"
)

func init() { gin.SetMode(gin.TestMode) }

func startRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.signal.closeAll()
		s.analysis.closeAll()
		srv.Close()
	})
	return s, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

// readClose reads until the close frame and returns its code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("expected close frame, got %v", err)
			}
			return ce.Code
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignaling_RelaysToTheOtherParticipant(t *testing.T) {
	s, srv := startRelay(t, Options{})

	a := dial(t, wsURL(srv, "/ws/ROOM1"), nil)
	b := dial(t, wsURL(srv, "/ws/room1"), nil)
	eventually(t, func() bool { return s.signal.counts()["room1"] == 2 })

	offer, _ := domain.EncodeMessage(domain.Offer{SDP: domain.SDPPayload{Type: "offer", SDP: "v=0"}})
	if err := a.WriteMessage(websocket.TextMessage, offer); err != nil {
		t.Fatal(err)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := domain.DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	if o, ok := msg.(domain.Offer); !ok || o.SDP.SDP != "v=0" {
		t.Errorf("b got %#v", msg)
	}

	// the sender never hears its own message
	_ = a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Error("sender received its own message")
	}
	if got := s.Rooms(); len(got) != 1 || got[0] != "room1" {
		t.Errorf("rooms = %v", got)
	}
}

func TestSignaling_ThirdParticipantIsRefused(t *testing.T) {
	s, srv := startRelay(t, Options{})
	dial(t, wsURL(srv, "/ws/full"), nil)
	dial(t, wsURL(srv, "/ws/full"), nil)
	eventually(t, func() bool { return s.signal.counts()["full"] == 2 })

	third := dial(t, wsURL(srv, "/ws/full"), nil)
	var refusal errorMessage
	readJSON(t, third, &refusal)
	if refusal.Type != "error" || !strings.Contains(refusal.Message, "full") {
		t.Errorf("refusal = %+v", refusal)
	}
	if code := readClose(t, third); code != signal.CloseRoomFull {
		t.Errorf("close code = %d, want %d", code, signal.CloseRoomFull)
	}
	if n := s.signal.counts()["full"]; n != 2 {
		t.Errorf("room size = %d after refusal", n)
	}
}

type closeRecorder struct {
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

func (r *closeRecorder) OnSignal(domain.Message) {}

func (r *closeRecorder) OnSignalClosed(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.closed)
}

func TestSignaling_RoomFullIsAnAuthFailureForClients(t *testing.T) {
	s, srv := startRelay(t, Options{})
	dial(t, wsURL(srv, "/ws/busy"), nil)
	dial(t, wsURL(srv, "/ws/busy"), nil)
	eventually(t, func() bool { return s.signal.counts()["busy"] == 2 })

	rec := &closeRecorder{closed: make(chan struct{})}
	c, err := signal.NewDialer(srv.URL, "session_token", "", 0).Dial(context.Background(), "busy", "Casey", rec)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("no close reported")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !domain.IsKind(rec.err, domain.KindSignalingAuth) {
		t.Errorf("close err = %v, want signaling auth", rec.err)
	}
}

func TestSignaling_PeerLeftOnDisconnect(t *testing.T) {
	s, srv := startRelay(t, Options{})
	a := dial(t, wsURL(srv, "/ws/r2"), nil)
	b := dial(t, wsURL(srv, "/ws/r2"), nil)
	eventually(t, func() bool { return s.signal.counts()["r2"] == 2 })

	a.Close()

	var msg struct{ Type string }
	readJSON(t, b, &msg)
	if msg.Type != string(domain.MsgPeerLeft) {
		t.Errorf("b got %q, want peer_left", msg.Type)
	}
	eventually(t, func() bool { return s.signal.counts()["r2"] == 1 })

	// the freed seat can be taken again
	dial(t, wsURL(srv, "/ws/r2"), nil)
	eventually(t, func() bool { return s.signal.counts()["r2"] == 2 })
}

func TestAuth_CookieRequiredWhenSecretSet(t *testing.T) {
	const secret = "test-secret"
	s, srv := startRelay(t, Options{Secret: secret, CookieName: "session_token"})

	anon := dial(t, wsURL(srv, "/ws/secure"), nil)
	var refusal errorMessage
	readJSON(t, anon, &refusal)
	if code := readClose(t, anon); code != signal.CloseUnauthorized {
		t.Errorf("close code = %d, want %d", code, signal.CloseUnauthorized)
	}

	forged, err := IssueToken("other-secret", "u1", "candidate", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bad := dial(t, wsURL(srv, "/ws/secure"), signal.CookieHeader("session_token", forged))
	readJSON(t, bad, &refusal)
	if code := readClose(t, bad); code != signal.CloseUnauthorized {
		t.Errorf("forged token close code = %d", code)
	}

	tok, err := IssueToken(secret, "u1", "candidate", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dial(t, wsURL(srv, "/ws/secure"), signal.CookieHeader("session_token", tok))
	eventually(t, func() bool { return s.signal.counts()["secure"] == 1 })
}

func TestParseToken_RejectsExpired(t *testing.T) {
	tok, err := IssueToken("k", "u1", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parseToken("k", tok); err == nil {
		t.Error("expired token accepted")
	}
	if _, err := IssueToken("", "u1", "", time.Hour); err == nil {
		t.Error("empty secret should not sign")
	}
}

func testFrame(t testing.TB, c color.Color, audio bool) domain.AnalysisFrame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	video, err := analysis.EncodeFrame(img, 16, 70)
	if err != nil {
		t.Fatal(err)
	}
	f := domain.AnalysisFrame{Type: domain.AnalysisFrameType, Video: video}
	if audio {
		f.Audio = "data:audio/wav;base64," + "UklGRiQAAABXQVZF"
	}
	return f
}

func TestAnalysis_FrameFansOutAndReplays(t *testing.T) {
	s, srv := startRelay(t, Options{})

	interviewer := dial(t, wsURL(srv, "/ws/insights/Meet"), nil)
	eventually(t, func() bool { _, subs := s.analysis.status(); return subs["meet"] == 1 })

	candidate := dial(t, wsURL(srv, "/ws/emotion/meet"), nil)
	frame := testFrame(t, color.RGBA{R: 200, G: 120, B: 40, A: 255}, true)
	if err := candidate.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}

	_ = interviewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := interviewer.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	first, ok, err := domain.DecodeInsight(data)
	if err != nil || !ok {
		t.Fatalf("decode insight: ok=%v err=%v (%s)", ok, err, data)
	}

	// a late subscriber starts from the latest insight
	late := dial(t, wsURL(srv, "/ws/insights/meet"), nil)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = late.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	replayed, ok, err := domain.DecodeInsight(data)
	if err != nil || !ok {
		t.Fatalf("replay: ok=%v err=%v", ok, err)
	}
	if replayed.Primary != first.Primary || replayed.Confidence != first.Confidence {
		t.Errorf("replay = %+v, want %+v", replayed, first)
	}

	rooms, _ := s.analysis.status()
	if len(rooms) != 1 || rooms[0] != "meet" {
		t.Errorf("active rooms = %v", rooms)
	}
}

func TestAnalysis_BadFrameAndPing(t *testing.T) {
	_, srv := startRelay(t, Options{})

	candidate := dial(t, wsURL(srv, "/ws/emotion/r3"), nil)
	if err := candidate.WriteJSON(domain.AnalysisFrame{Type: domain.AnalysisFrameType, Video: "data:image/png;base64,AAAA"}); err != nil {
		t.Fatal(err)
	}
	var reply errorMessage
	readJSON(t, candidate, &reply)
	if reply.Type != "error" {
		t.Errorf("bad frame reply = %+v", reply)
	}

	interviewer := dial(t, wsURL(srv, "/ws/insights/r3"), nil)
	if err := interviewer.WriteJSON(map[string]string{"type": domain.PingType}); err != nil {
		t.Fatal(err)
	}
	var pong domain.InsightMessage
	readJSON(t, interviewer, &pong)
	if pong.Type != domain.PongType || pong.Emotion != nil {
		t.Errorf("pong = %+v", pong)
	}
}

func TestStatus(t *testing.T) {
	s := New(Options{}, nil, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/emotion/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var got StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Classifier != "stand-in" || got.Service == "" {
		t.Errorf("status = %+v", got)
	}
}

func TestStandIn_DeterministicAndValid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := color.RGBA{
			R: rapid.Uint8().Draw(rt, "r"),
			G: rapid.Uint8().Draw(rt, "g"),
			B: rapid.Uint8().Draw(rt, "b"),
			A: 255,
		}
		frame := testFrame(t, c, rapid.Bool().Draw(rt, "audio"))

		a, err := StandIn{}.Classify(context.Background(), "room", frame)
		if err != nil {
			rt.Fatal(err)
		}
		b, _ := StandIn{}.Classify(context.Background(), "room", frame)
		if a.Primary != b.Primary || a.Confidence != b.Confidence {
			rt.Fatalf("not deterministic: %+v vs %+v", a, b)
		}
		if err := a.Validate(); err != nil {
			rt.Fatal(err)
		}

		var sum float64
		for _, e := range domain.Emotions {
			sum += a.Emotions[e]
			if a.Emotions[e] > a.Emotions[a.Primary] {
				rt.Fatalf("primary %s is not the top score", a.Primary)
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			rt.Fatalf("scores sum to %v", sum)
		}
		if a.Confidence != a.Emotions[a.Primary] {
			rt.Fatalf("confidence %v != primary score", a.Confidence)
		}
	})
}

func TestMemoryStore_Expires(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := s.Latest(ctx, "r"); ok {
		t.Fatal("empty store hit")
	}
	_ = s.Put(ctx, "r", domain.Insight{Primary: domain.EmotionCalm})
	if ins, ok, _ := s.Latest(ctx, "r"); !ok || ins.Primary != domain.EmotionCalm {
		t.Fatalf("latest = %+v, %v", ins, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Latest(ctx, "r"); ok {
		t.Error("entry outlived its ttl")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SENSE_TEST_REDIS")
	if addr == "" {
		t.Skip("SENSE_TEST_REDIS not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, addr, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	room := "test-" + time.Now().Format("150405.000000")
	want := domain.Insight{Primary: domain.EmotionEngaged, Confidence: 0.7, Emotions: map[domain.Emotion]float64{domain.EmotionEngaged: 0.7}}
	if err := s.Put(ctx, room, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Latest(ctx, room)
	if err != nil || !ok || got.Primary != want.Primary {
		t.Errorf("latest = %+v, %v, %v", got, ok, err)
	}
}

func TestServe_StopsWithContext(t *testing.T) {
	s := New(Options{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
