package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/filebrowser"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
	"github.com/IvanRicoPrieto/CCRemote/internal/store"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

type testHub struct {
	hub   *Hub
	token string
	srv   *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authStore := auth.New(st)
	token, err := authStore.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	registry := session.NewRegistry(config.Default(), tmux.New("ccrtest"), st, logger)
	h := New(registry, authStore, filebrowser.New(logger), nil, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return &testHub{hub: h, token: token, srv: srv}
}

func (th *testHub) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	frame, err := Encode(typ, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestNonAuthFirstMessageRejected(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeGetSessions, nil)

	msg := recv(t, ctx, conn)
	if msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	// the channel must be closed after the error
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection should be closed after unauthenticated message")
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: "wrong"})

	msg := recv(t, ctx, conn)
	if msg.Type != TypeAuthResult {
		t.Fatalf("expected auth_result, got %s", msg.Type)
	}
	var result AuthResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil || result.Success {
		t.Fatalf("expected auth failure, got %+v (err %v)", result, err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection should be closed after failed auth")
	}
}

func TestAuthHandshake(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: th.token})

	msg := recv(t, ctx, conn)
	if msg.Type != TypeAuthResult {
		t.Fatalf("expected auth_result, got %s", msg.Type)
	}
	var result AuthResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil || !result.Success {
		t.Fatalf("expected auth success, got %+v (err %v)", result, err)
	}

	// capabilities then the current session list follow immediately
	if msg := recv(t, ctx, conn); msg.Type != TypeCapabilities {
		t.Fatalf("expected capabilities, got %s", msg.Type)
	}
	if msg := recv(t, ctx, conn); msg.Type != TypeSessionsList {
		t.Fatalf("expected sessions_list, got %s", msg.Type)
	}
}

func TestPingPong(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: th.token})
	recv(t, ctx, conn) // auth_result
	recv(t, ctx, conn) // capabilities
	recv(t, ctx, conn) // sessions_list

	send(t, ctx, conn, TypePing, nil)
	if msg := recv(t, ctx, conn); msg.Type != TypePong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}
}

func TestUnknownTagGetsDescriptiveError(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: th.token})
	recv(t, ctx, conn)
	recv(t, ctx, conn)
	recv(t, ctx, conn)

	send(t, ctx, conn, "frobnicate", nil)
	msg := recv(t, ctx, conn)
	if msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Message, "frobnicate") {
		t.Fatalf("error should name the unknown tag, got %q", p.Message)
	}
}

func TestUnknownSessionIDSurfacesError(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: th.token})
	recv(t, ctx, conn)
	recv(t, ctx, conn)
	recv(t, ctx, conn)

	send(t, ctx, conn, TypeSendInput, SendInputPayload{SessionID: "missing", Input: "hi"})
	msg := recv(t, ctx, conn)
	if msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "missing" {
		t.Fatalf("error should carry the offending session id, got %+v", p)
	}
}

func TestMalformedPreAuthFrameClosesConnection(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := recv(t, ctx, conn)
	if msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	// the first message was not a valid auth frame, so the channel ends here
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection should be closed after a malformed pre-auth frame")
	}
}

func TestMalformedFrameAfterAuthKeepsConnection(t *testing.T) {
	th := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := th.dial(t, ctx)
	defer conn.CloseNow()

	send(t, ctx, conn, TypeAuth, AuthPayload{Token: th.token})
	recv(t, ctx, conn) // auth_result
	recv(t, ctx, conn) // capabilities
	recv(t, ctx, conn) // sessions_list

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := recv(t, ctx, conn); msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}

	// authenticated clients survive a bad frame
	send(t, ctx, conn, TypePing, nil)
	if msg := recv(t, ctx, conn); msg.Type != TypePong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}
}
