// Package client is the daemon's websocket consumer used by the CLI and
// the MCP surface: dial localhost, authenticate, issue one request, wait
// for the paired reply.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/hub"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

const (
	handshakeTimeout = 5 * time.Second
	replyTimeout     = 10 * time.Second
)

var ErrAuthFailed = errors.New("authentication failed")

type Client struct {
	conn *websocket.Conn

	// initial state pushed by the daemon right after auth
	Capabilities hub.CapabilitiesPayload
	Sessions     []session.Info
}

// Dial connects to the daemon on localhost and authenticates. The returned
// client has the capability descriptor and session list already populated.
func Dial(ctx context.Context, port int, token string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable on port %d: %w", port, err)
	}
	conn.SetReadLimit(1 << 24) // scrollback replies can be large

	c := &Client{conn: conn}
	if err := c.write(ctx, hub.TypeAuth, hub.AuthPayload{Token: token}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}

	msg, err := c.waitFor(ctx, hub.TypeAuthResult)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	var result hub.AuthResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil || !result.Success {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, ErrAuthFailed
	}

	// the daemon follows auth_result with capabilities and sessions_list
	if msg, err := c.waitFor(ctx, hub.TypeCapabilities); err == nil {
		_ = json.Unmarshal(msg.Payload, &c.Capabilities)
	}
	if msg, err := c.waitFor(ctx, hub.TypeSessionsList); err == nil {
		var list hub.SessionsListPayload
		if json.Unmarshal(msg.Payload, &list) == nil {
			c.Sessions = list.Sessions
		}
	}
	return c, nil
}

func (c *Client) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// Request sends one message and blocks until the reply tag (or an error
// message) arrives.
func (c *Client) Request(ctx context.Context, typ string, payload any, replyTag string) (hub.Message, error) {
	if err := c.write(ctx, typ, payload); err != nil {
		return hub.Message{}, err
	}
	return c.waitFor(ctx, replyTag)
}

// Send fires a message without waiting for a reply.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	return c.write(ctx, typ, payload)
}

// WaitForSession blocks until a session_created broadcast arrives.
func (c *Client) WaitForSession(ctx context.Context) (session.Info, error) {
	msg, err := c.waitFor(ctx, hub.TypeSessionCreated)
	if err != nil {
		return session.Info{}, err
	}
	var p hub.SessionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return session.Info{}, fmt.Errorf("malformed session_created: %w", err)
	}
	return p.Session, nil
}

// ListSessions refreshes and returns the session list.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	msg, err := c.Request(ctx, hub.TypeGetSessions, nil, hub.TypeSessionsList)
	if err != nil {
		return nil, err
	}
	var list hub.SessionsListPayload
	if err := json.Unmarshal(msg.Payload, &list); err != nil {
		return nil, fmt.Errorf("malformed sessions_list: %w", err)
	}
	c.Sessions = list.Sessions
	return list.Sessions, nil
}

// GetOutput returns the decoded recent pane content of a session.
func (c *Client) GetOutput(ctx context.Context, sessionID string, lines int) (string, error) {
	msg, err := c.Request(ctx, hub.TypeGetOutput,
		hub.GetOutputPayload{SessionID: sessionID, Lines: lines}, hub.TypeOutputUpdate)
	if err != nil {
		return "", err
	}
	var p hub.OutputUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return "", fmt.Errorf("malformed output_update: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return "", fmt.Errorf("malformed output content: %w", err)
	}
	return string(decoded), nil
}

// SendInput types text (plus Enter) into a session. Delivery errors come
// back asynchronously as error messages; absence of one within the grace
// window counts as success.
func (c *Client) SendInput(ctx context.Context, sessionID, input string) error {
	return c.write(ctx, hub.TypeSendInput, hub.SendInputPayload{SessionID: sessionID, Input: input})
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	frame, err := hub.Encode(typ, payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// waitFor reads until a frame with the wanted tag appears, skipping
// unrelated broadcasts. An error frame fails the wait; silence past the
// reply timeout is a transport error.
func (c *Client) waitFor(ctx context.Context, tag string) (hub.Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	for {
		_, data, err := c.conn.Read(readCtx)
		if err != nil {
			return hub.Message{}, fmt.Errorf("waiting for %s: %w", tag, err)
		}
		msg, err := hub.Decode(data)
		if err != nil {
			continue
		}
		if msg.Type == hub.TypeError {
			var p hub.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &p)
			return hub.Message{}, errors.New(p.Message)
		}
		if msg.Type == tag {
			return msg, nil
		}
	}
}
