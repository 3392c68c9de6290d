// Package notify pushes session events to the outside world: web push to
// subscribed browsers and, when a webhook is configured, Slack. It watches
// the registry topics for the events a user would want to act on quickly.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

type Manager struct {
	push   *pushSender
	cfg    config.Config
	logger *slog.Logger
}

func NewManager(cfg config.Config, logger *slog.Logger) (*Manager, error) {
	push, err := newPushSender(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{push: push, cfg: cfg, logger: logger}, nil
}

func (m *Manager) VAPIDPublicKey() string { return m.push.publicKey() }

// Subscribe registers a browser push subscription (raw JSON from the
// client's PushManager).
func (m *Manager) Subscribe(raw []byte) error {
	return m.push.subscribe(raw)
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.push.unsubscribe(endpoint)
}

// Watch forwards attention-worthy session events until ctx ends.
func (m *Manager) Watch(ctx context.Context, topics *session.Topics) {
	inputReq := topics.InputRequired.Subscribe()
	ctxLimit := topics.ContextLimit.Subscribe()
	exited := topics.Exit.Subscribe()
	defer topics.InputRequired.Unsubscribe(inputReq)
	defer topics.ContextLimit.Unsubscribe(ctxLimit)
	defer topics.Exit.Unsubscribe(exited)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-inputReq:
			m.notify("input_required", ev.SessionID,
				fmt.Sprintf("Session %s needs input: %s", ev.SessionID, ev.Question))
		case ev := <-ctxLimit:
			m.notify("context_limit", ev.SessionID,
				fmt.Sprintf("Session %s hit its context limit", ev.SessionID))
		case ev := <-exited:
			m.notify("session_exit", ev.SessionID,
				fmt.Sprintf("Session %s ended", ev.SessionID))
		}
	}
}

func (m *Manager) notify(kind, sessionID, text string) {
	payload, _ := json.Marshal(map[string]string{
		"type":      kind,
		"sessionId": sessionID,
		"body":      text,
	})
	m.push.send(payload)

	if m.cfg.SlackWebhookURL != "" {
		err := slack.PostWebhook(m.cfg.SlackWebhookURL, &slack.WebhookMessage{Text: text})
		if err != nil {
			m.logger.Debug("slack webhook failed", "err", err)
		}
	}
}
