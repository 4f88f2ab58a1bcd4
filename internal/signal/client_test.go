package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

type recordingHandler struct {
	mu     sync.Mutex
	msgs   []domain.Message
	closes []error
	gotMsg chan struct{}
	closed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{gotMsg: make(chan struct{}, 16), closed: make(chan struct{}, 4)}
}

func (h *recordingHandler) OnSignal(m domain.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	h.gotMsg <- struct{}{}
}

func (h *recordingHandler) OnSignalClosed(err error) {
	h.mu.Lock()
	h.closes = append(h.closes, err)
	h.mu.Unlock()
	h.closed <- struct{}{}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// relayStub upgrades one connection and hands it to serve.
func relayStub(t *testing.T, serve func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestDial_SendsJoinAndCookie(t *testing.T) {
	type seen struct {
		path, cookie string
		first        domain.Message
	}
	got := make(chan seen, 1)

	srv := relayStub(t, func(r *http.Request, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			t.Errorf("decode: %v", err)
		}
		c, _ := r.Cookie("session_token")
		var cookie string
		if c != nil {
			cookie = c.Value
		}
		got <- seen{path: r.URL.Path, cookie: cookie, first: msg}
		_, _, _ = conn.ReadMessage()
	})

	h := newRecordingHandler()
	d := NewDialer(srv.URL, "session_token", "tok", 0)
	s, err := d.Dial(context.Background(), "ABCD1234", "Ada", h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	select {
	case g := <-got:
		if g.path != "/ws/abcd1234" {
			t.Errorf("path = %q, want /ws/abcd1234", g.path)
		}
		if g.cookie != "tok" {
			t.Errorf("cookie = %q", g.cookie)
		}
		if j, ok := g.first.(domain.Join); !ok || j.Name != "Ada" {
			t.Errorf("first message = %#v, want join{Ada}", g.first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the join")
	}
}

func TestReadLoop_DeliversInOrderAndDropsUnknown(t *testing.T) {
	srv := relayStub(t, func(_ *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage() // join
		for _, raw := range []string{
			`{"type":"join","name":"Bob"}`,
			`{"type":"mystery"}`,
			`not json`,
			`{"type":"offer","offer":{"type":"offer","sdp":"v=0"}}`,
			`{"type":"peer_left"}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
		}
		_, _, _ = conn.ReadMessage()
	})

	h := newRecordingHandler()
	s, err := NewDialer(srv.URL, "session_token", "", 0).Dial(context.Background(), "room", "Ada", h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		wait(t, h.gotMsg, "message")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []domain.MessageType{domain.MsgJoin, domain.MsgOffer, domain.MsgPeerLeft}
	if len(h.msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(h.msgs), len(want))
	}
	for i, m := range h.msgs {
		if m.Type() != want[i] {
			t.Errorf("msg[%d] = %s, want %s", i, m.Type(), want[i])
		}
	}
}

func TestClose_Classification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want domain.Kind
	}{
		{"unauthorized", CloseUnauthorized, domain.KindSignalingAuth},
		{"room full", CloseRoomFull, domain.KindSignalingAuth},
		{"going away", websocket.CloseGoingAway, domain.KindSignalingTransient},
		{"abnormal", websocket.CloseInternalServerErr, domain.KindSignalingTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := relayStub(t, func(_ *http.Request, conn *websocket.Conn) {
				_, _, _ = conn.ReadMessage()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(tt.code, "bye"), time.Now().Add(time.Second))
				time.Sleep(50 * time.Millisecond)
			})

			h := newRecordingHandler()
			s, err := NewDialer(srv.URL, "session_token", "", 0).Dial(context.Background(), "room", "Ada", h)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer s.Close()

			wait(t, h.closed, "close notification")
			h.mu.Lock()
			defer h.mu.Unlock()
			if len(h.closes) != 1 {
				t.Fatalf("got %d close notifications", len(h.closes))
			}
			if k := domain.KindOf(h.closes[0]); k != tt.want {
				t.Errorf("kind = %s, want %s", k, tt.want)
			}
		})
	}
}

func TestClose_LocalIsSilent(t *testing.T) {
	srv := relayStub(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	s, err := NewDialer(srv.URL, "session_token", "", 0).Dial(context.Background(), "room", "Ada", h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s.Close()
	s.Close()

	select {
	case <-h.closed:
		t.Fatal("local close must not be reported")
	case <-time.After(200 * time.Millisecond):
	}

	if err := s.Send(domain.EndMeeting{}); !domain.IsKind(err, domain.KindSignalingTransient) {
		t.Errorf("Send after close = %v, want transient error", err)
	}
}

func TestDial_HandshakeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewDialer(srv.URL, "session_token", "", 0).Dial(context.Background(), "room", "Ada", newRecordingHandler())
	if !domain.IsKind(err, domain.KindSignalingAuth) {
		t.Errorf("err = %v, want signaling auth", err)
	}
}

func TestRoomURL(t *testing.T) {
	got, err := RoomURL("https://relay.example/", "/ws/emotion/", "AbC")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "wss://") || !strings.HasSuffix(got, "/ws/emotion/abc") {
		t.Errorf("RoomURL = %q", got)
	}
}
