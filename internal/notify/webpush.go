package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const vapidFile = "vapid.json"

// pushSender holds the VAPID key pair and the live browser subscriptions.
// Keys persist in the state directory so subscriptions survive restarts.
type pushSender struct {
	mu            sync.Mutex
	logger        *slog.Logger
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func newPushSender(stateDir string, logger *slog.Logger) (*pushSender, error) {
	p := &pushSender{
		logger:        logger,
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if err := p.loadOrGenerateVAPID(stateDir); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *pushSender) publicKey() string { return p.vapidPublic }

func (p *pushSender) subscribe(raw []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("invalid push subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("invalid push subscription: missing endpoint")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return nil
		}
	}
	p.subscriptions = append(p.subscriptions, &sub)
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	p.logger.Info("push subscription added", "endpoint", ep)
	return nil
}

func (p *pushSender) unsubscribe(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.subscriptions {
		if sub.Endpoint == endpoint {
			p.subscriptions = append(p.subscriptions[:i], p.subscriptions[i+1:]...)
			return
		}
	}
}

func (p *pushSender) send(payload []byte) {
	p.mu.Lock()
	subs := make([]*webpush.Subscription, len(p.subscriptions))
	copy(subs, p.subscriptions)
	p.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  p.vapidPublic,
			VAPIDPrivateKey: p.vapidPrivate,
			Subscriber:      "mailto:ccremote@localhost",
		})
		if err != nil {
			p.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
	}
}

func (p *pushSender) loadOrGenerateVAPID(stateDir string) error {
	path := filepath.Join(stateDir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			p.vapidPrivate = keys.PrivateKey
			p.vapidPublic = keys.PublicKey
			p.logger.Debug("loaded VAPID keys")
			return nil
		}
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate VAPID key: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("marshal VAPID key: %w", err)
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), privKey.PublicKey.X, privKey.PublicKey.Y)

	p.vapidPrivate = base64.RawURLEncoding.EncodeToString(privBytes)
	p.vapidPublic = base64.RawURLEncoding.EncodeToString(pubBytes)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, _ = json.MarshalIndent(vapidKeys{
		PrivateKey: p.vapidPrivate,
		PublicKey:  p.vapidPublic,
	}, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save VAPID keys: %w", err)
	}
	p.logger.Info("generated new VAPID keys")
	return nil
}
