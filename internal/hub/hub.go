// Package hub fans session events out to websocket clients and routes
// client commands back into the registry. One hub per daemon; clients
// authenticate with the bearer token before anything else.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/filebrowser"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readLimit     = 1 << 20 // file writes arrive inline
	defaultOutput = 120     // rows returned by get_output without a count
)

// PushRegistrar is the notification surface the hub forwards push
// subscription changes to. Nil disables the push messages.
type PushRegistrar interface {
	Subscribe(raw []byte) error
	Unsubscribe(endpoint string)
}

type Hub struct {
	registry *session.Registry
	auth     *auth.Store
	files    *filebrowser.Browser
	push     PushRegistrar
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func New(registry *session.Registry, authStore *auth.Store, files *filebrowser.Browser, push PushRegistrar, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		auth:     authStore,
		files:    files,
		push:     push,
		logger:   logger,
		clients:  make(map[string]*client),
	}
}

// Run broadcasts registry events to authenticated clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	topics := h.registry.Topics()
	created := topics.Created.Subscribe()
	updated := topics.Updated.Subscribe()
	killed := topics.Killed.Subscribe()
	output := topics.Output.Subscribe()
	inputReq := topics.InputRequired.Subscribe()
	ctxLimit := topics.ContextLimit.Subscribe()
	defer topics.Created.Unsubscribe(created)
	defer topics.Updated.Unsubscribe(updated)
	defer topics.Killed.Unsubscribe(killed)
	defer topics.Output.Unsubscribe(output)
	defer topics.InputRequired.Unsubscribe(inputReq)
	defer topics.ContextLimit.Unsubscribe(ctxLimit)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case info := <-created:
			h.broadcast(TypeSessionCreated, SessionPayload{Session: info})
		case info := <-updated:
			h.broadcast(TypeSessionUpdated, SessionPayload{Session: info})
		case id := <-killed:
			h.broadcast(TypeSessionKilled, SessionKilledPayload{SessionID: id})
		case ev := <-output:
			h.broadcast(TypeOutputUpdate, OutputUpdatePayload{
				SessionID: ev.SessionID,
				Content:   base64.StdEncoding.EncodeToString(ev.Content),
			})
		case ev := <-inputReq:
			h.broadcast(TypeInputRequired, InputRequiredPayload{
				SessionID: ev.SessionID,
				InputType: ev.InputType,
				Context:   ev.Question,
				Question:  ev.Question,
				Options:   ev.Options,
				Timestamp: ev.Timestamp,
			})
		case ev := <-ctxLimit:
			h.broadcast(TypeContextLimit, ContextLimitPayload{
				SessionID: ev.SessionID,
				Message:   ev.Message,
			})
		}
	}
}

// HandleWebSocket upgrades the request and runs the connection until it
// drops. The first message must be auth; anything else is an error and the
// connection is closed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := newClient(conn)
	defer c.close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.addClient(c)
	defer h.removeClient(c)

	go c.writeLoop(ctx)
	go h.pingLoop(ctx, cancel, c)

	h.logger.Debug("client connected", "client", c.id)
	h.readLoop(ctx, c)
	h.logger.Debug("client disconnected", "client", c.id)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := Decode(data)
		if err != nil {
			// before auth, anything that is not a valid auth frame ends
			// the connection
			if !c.isAuthenticated() {
				h.sendNow(ctx, c, TypeError, ErrorPayload{Message: "malformed message"})
				c.close(websocket.StatusPolicyViolation, "authentication required")
				return
			}
			h.sendError(c, "", "malformed message")
			continue
		}

		if !c.isAuthenticated() {
			if msg.Type != TypeAuth {
				h.sendNow(ctx, c, TypeError, ErrorPayload{Message: "authentication required"})
				c.close(websocket.StatusPolicyViolation, "authentication required")
				return
			}
			if !h.handleAuth(ctx, c, msg) {
				c.close(websocket.StatusPolicyViolation, "invalid token")
				return
			}
			continue
		}

		h.dispatch(c, msg)
	}
}

func (h *Hub) pingLoop(ctx context.Context, cancel context.CancelFunc, c *client) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				h.logger.Debug("websocket ping failed", "client", c.id, "err", err)
				return
			}
		}
	}
}

// handleAuth validates the token; on success it replies auth_result and
// immediately follows with capabilities and the session list. Failure
// replies are written synchronously because the caller closes the
// connection right after.
func (h *Hub) handleAuth(ctx context.Context, c *client, msg Message) bool {
	var p AuthPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendNow(ctx, c, TypeAuthResult, AuthResultPayload{Success: false})
		return false
	}
	if !h.auth.Validate(p.Token) {
		h.logger.Warn("authentication failed", "client", c.id)
		h.sendNow(ctx, c, TypeAuthResult, AuthResultPayload{Success: false})
		return false
	}
	c.setAuthenticated()
	h.send(c, TypeAuthResult, AuthResultPayload{Success: true})
	h.send(c, TypeCapabilities, capabilities())
	h.send(c, TypeSessionsList, SessionsListPayload{Sessions: h.registry.List()})
	return true
}

func capabilities() CapabilitiesPayload {
	return CapabilitiesPayload{
		Models:   []string{"opus", "sonnet", "haiku"},
		Modes:    []string{"plan", "autoAccept"},
		Commands: []string{"/clear", "/compact", "/model", "/help"},
	}
}

func (h *Hub) dispatch(c *client, msg Message) {
	switch msg.Type {
	case TypeAuth:
		// re-auth is a no-op for an authenticated client
		h.send(c, TypeAuthResult, AuthResultPayload{Success: true})
	case TypePing:
		h.send(c, TypePong, nil)
	case TypeGetSessions:
		h.send(c, TypeSessionsList, SessionsListPayload{Sessions: h.registry.List()})
	case TypeGetOutput:
		h.handleGetOutput(c, msg)
	case TypeCreateSession:
		h.handleCreateSession(c, msg)
	case TypeKillSession:
		h.handleKillSession(c, msg)
	case TypeRestartSession:
		h.handleRestartSession(c, msg)
	case TypeChangeModel:
		h.handleChangeModel(c, msg)
	case TypeToggleMode:
		h.handleToggleMode(c, msg)
	case TypeSendInput:
		h.handleSendInput(c, msg)
	case TypeSendCommand:
		h.handleSendCommand(c, msg)
	case TypeSendKey:
		h.handleSendKey(c, msg)
	case TypeResizeTerminal:
		h.handleResize(c, msg)
	case TypeScroll:
		h.handleScroll(c, msg)
	case TypeBrowseDirectory:
		h.handleBrowseDirectory(c, msg)
	case TypeBrowseFiles, TypeReadFile, TypeWriteFile, TypeCreateFile,
		TypeCreateDirectory, TypeRenameFile, TypeDeleteFile:
		h.handleFileOp(c, msg)
	case TypePushSubscribe:
		h.handlePushSubscribe(c, msg)
	case TypePushUnsubscribe:
		h.handlePushUnsubscribe(c, msg)
	default:
		h.sendError(c, "", "unknown message type: "+msg.Type)
	}
}

func (h *Hub) handleGetOutput(c *client, msg Message) {
	var p GetOutputPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid get_output payload")
		return
	}
	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}
	lines := p.Lines
	if lines <= 0 {
		lines = defaultOutput
	}
	h.send(c, TypeOutputUpdate, OutputUpdatePayload{
		SessionID: p.SessionID,
		Content:   base64.StdEncoding.EncodeToString([]byte(s.RecentOutput(lines))),
	})
}

func (h *Hub) handleCreateSession(c *client, msg Message) {
	var p CreateSessionPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid create_session payload")
		return
	}
	_, err := h.registry.Create(session.Options{
		Kind:        p.SessionType,
		ProjectPath: p.ProjectPath,
		Model:       p.Model,
		PlanMode:    p.PlanMode,
		AutoAccept:  p.AutoAccept,
	})
	if err != nil {
		h.sendError(c, "", err.Error())
		return
	}
	// session_created reaches everyone through the broadcast loop
}

func (h *Hub) handleKillSession(c *client, msg Message) {
	var p SessionRefPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid kill_session payload")
		return
	}
	if err := h.registry.Kill(p.SessionID); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleRestartSession(c *client, msg Message) {
	var p RestartSessionPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid restart_session payload")
		return
	}
	if _, err := h.registry.Restart(p.SessionID, p.WithSummary, p.Model); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleChangeModel(c *client, msg Message) {
	var p ChangeModelPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid change_model payload")
		return
	}
	if err := h.registry.SetModel(p.SessionID, p.Model); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleToggleMode(c *client, msg Message) {
	var p ToggleModePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid toggle_mode payload")
		return
	}
	if err := h.registry.ToggleMode(p.SessionID, p.Mode, p.Enabled); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleSendInput(c *client, msg Message) {
	var p SendInputPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid send_input payload")
		return
	}
	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}
	if err := s.SendInput(p.Input); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleSendCommand(c *client, msg Message) {
	var p SendCommandPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid send_command payload")
		return
	}
	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}
	if err := s.SendInput(p.Command); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

// handleSendKey is where viewport arbitration happens: the last interactor
// wins, so a keystroke from a client whose declared viewport differs from
// the session's dimensions resizes the session first.
func (h *Hub) handleSendKey(c *client, msg Message) {
	var p SendKeyPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid send_key payload")
		return
	}
	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}

	cols, rows := c.viewport()
	if cols > 0 && rows > 0 {
		info := s.Info()
		if info.Cols != cols || info.Rows != rows {
			if err := s.Resize(cols, rows); err != nil {
				h.logger.Debug("viewport resize failed", "session", p.SessionID, "err", err)
			}
		}
	}

	if err := s.SendKey(p.Key); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleResize(c *client, msg Message) {
	var p ResizePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid resize_terminal payload")
		return
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		h.sendError(c, p.SessionID, "invalid terminal dimensions")
		return
	}
	c.setViewport(p.Cols, p.Rows)

	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}
	if err := s.Resize(p.Cols, p.Rows); err != nil {
		h.sendError(c, p.SessionID, err.Error())
	}
}

func (h *Hub) handleScroll(c *client, msg Message) {
	var p SessionRefPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid scroll payload")
		return
	}
	s, ok := h.registry.Get(p.SessionID)
	if !ok {
		h.sendError(c, p.SessionID, "session not found")
		return
	}
	h.send(c, TypeScrollbackContent, ScrollbackPayload{
		SessionID: p.SessionID,
		Content:   base64.StdEncoding.EncodeToString(s.Scrollback()),
	})
}

func (h *Hub) handleBrowseDirectory(c *client, msg Message) {
	var p BrowseDirectoryPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.sendError(c, "", "invalid browse_directory payload")
		return
	}
	path, dirs, err := filebrowser.BrowseDirectories(p.Path)
	resp := DirectoryListingPayload{Path: path, Directories: dirs}
	if err != nil {
		resp.Error = err.Error()
		resp.Directories = []string{}
	}
	h.send(c, TypeDirectoryListing, resp)
}

// fileResultTag maps a file CRUD request to its reply tag.
var fileResultTag = map[string]string{
	TypeBrowseFiles:     TypeBrowseFilesResult,
	TypeReadFile:        TypeFileReadResult,
	TypeWriteFile:       TypeFileWriteResult,
	TypeCreateFile:      TypeFileCreateResult,
	TypeCreateDirectory: TypeDirCreateResult,
	TypeRenameFile:      TypeFileRenameResult,
	TypeDeleteFile:      TypeFileDeleteResult,
}

func (h *Hub) handleFileOp(c *client, msg Message) {
	resultTag := fileResultTag[msg.Type]

	var p FilePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.send(c, resultTag, FileResultPayload{Success: false, Error: "invalid payload"})
		return
	}
	root, err := h.registry.ProjectRoot(p.SessionID)
	if err != nil {
		h.send(c, resultTag, FileResultPayload{Success: false, Error: err.Error()})
		return
	}

	result := FileResultPayload{Success: true, Path: p.Path}
	switch msg.Type {
	case TypeBrowseFiles:
		listing, err := h.files.List(root, p.Path)
		if err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
			break
		}
		result.Path = listing.Path
		result.Entries = listing.Entries
	case TypeReadFile:
		content, err := h.files.Read(root, p.Path)
		if err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
			break
		}
		result.Content = content
	case TypeWriteFile:
		if err := h.files.Write(root, p.Path, p.Content); err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
		}
	case TypeCreateFile:
		if err := h.files.CreateFile(root, p.Path); err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
		}
	case TypeCreateDirectory:
		if err := h.files.CreateDirectory(root, p.Path); err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
		}
	case TypeRenameFile:
		if err := h.files.Rename(root, p.Path, p.NewPath); err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
		}
	case TypeDeleteFile:
		if err := h.files.Delete(root, p.Path); err != nil {
			result = FileResultPayload{Success: false, Error: err.Error()}
		}
	}
	h.send(c, resultTag, result)
}

func (h *Hub) handlePushSubscribe(c *client, msg Message) {
	if h.push == nil {
		h.send(c, TypePushResult, PushResultPayload{Success: false})
		return
	}
	var p PushSubscribePayload
	if err := unmarshalPayload(msg, &p); err != nil || len(p.Subscription) == 0 {
		h.send(c, TypePushResult, PushResultPayload{Success: false})
		return
	}
	if err := h.push.Subscribe(p.Subscription); err != nil {
		h.logger.Warn("push subscribe failed", "err", err)
		h.send(c, TypePushResult, PushResultPayload{Success: false})
		return
	}
	h.send(c, TypePushResult, PushResultPayload{Success: true})
}

func (h *Hub) handlePushUnsubscribe(c *client, msg Message) {
	if h.push == nil {
		h.send(c, TypePushResult, PushResultPayload{Success: false})
		return
	}
	var p PushUnsubscribePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		h.send(c, TypePushResult, PushResultPayload{Success: false})
		return
	}
	h.push.Unsubscribe(p.Endpoint)
	h.send(c, TypePushResult, PushResultPayload{Success: true})
}

// send queues one frame on a single client; overflow disconnects it.
func (h *Hub) send(c *client, typ string, payload any) {
	frame, err := Encode(typ, payload)
	if err != nil {
		h.logger.Error("encode message failed", "type", typ, "err", err)
		return
	}
	if !c.enqueue(frame) {
		h.logger.Warn("client send queue overflow", "client", c.id)
		c.close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

func (h *Hub) sendError(c *client, sessionID, message string) {
	h.send(c, TypeError, ErrorPayload{Message: message, SessionID: sessionID})
}

// sendNow writes one frame synchronously, bypassing the queue. Only used
// on pre-auth reject paths: the write loop has nothing in flight for an
// unauthenticated client, and the connection closes right after, so a
// queued frame could be dropped undelivered.
func (h *Hub) sendNow(ctx context.Context, c *client, typ string, payload any) {
	frame, err := Encode(typ, payload)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.conn.Write(wctx, websocket.MessageText, frame)
}

// broadcast sends one frame to every authenticated client.
func (h *Hub) broadcast(typ string, payload any) {
	frame, err := Encode(typ, payload)
	if err != nil {
		h.logger.Error("encode broadcast failed", "type", typ, "err", err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.isAuthenticated() {
			continue
		}
		if !c.enqueue(frame) {
			h.logger.Warn("client send queue overflow", "client", c.id)
			c.close(websocket.StatusPolicyViolation, "send queue overflow")
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "daemon shutting down")
	}
}

func unmarshalPayload(msg Message, v any) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Payload, v)
}
