package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/filebrowser"
	"github.com/IvanRicoPrieto/CCRemote/internal/hub"
	"github.com/IvanRicoPrieto/CCRemote/internal/notify"
	"github.com/IvanRicoPrieto/CCRemote/internal/server"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
	"github.com/IvanRicoPrieto/CCRemote/internal/store"
	"github.com/IvanRicoPrieto/CCRemote/internal/tlscert"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

const recordRetention = 7 * 24 * time.Hour

// newLogger builds the daemon-wide slog logger on stderr.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig assembles the daemon configuration from defaults, flags and
// environment.
func loadConfig(port int) config.Config {
	cfg := config.Default()
	if port > 0 {
		cfg.Port = port
	}
	if root := os.Getenv("CCREMOTE_WEB_ROOT"); root != "" {
		cfg.WebRoot = root
	}
	if url := os.Getenv("CCREMOTE_SLACK_WEBHOOK"); url != "" {
		cfg.SlackWebhookURL = url
	}
	return cfg
}

// storedToken reads the bearer token out of the record store, generating
// one if the daemon never ran.
func storedToken(cfg config.Config) (string, error) {
	if err := cfg.EnsureDir(); err != nil {
		return "", err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(cfg.DBPath(), quiet)
	if err != nil {
		return "", err
	}
	defer st.Close()
	return auth.New(st).Token()
}

// runDaemon is the foreground daemon body: open the store, rediscover
// sessions, serve websocket clients, shut down on signal. SIGUSR1 selects
// purge mode (kill the tmux sessions too).
func runDaemon(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.EnsureDir(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	authStore := auth.New(st)
	if _, err := authStore.Token(); err != nil {
		return err
	}

	driver := tmux.New(config.TmuxPrefix)
	registry := session.NewRegistry(cfg, driver, st, logger)
	if err := registry.Rediscover(); err != nil {
		logger.Warn("session rediscovery failed", "err", err)
	}

	var push hub.PushRegistrar
	notifier, err := notify.NewManager(cfg, logger)
	if err != nil {
		logger.Warn("notifications disabled", "err", err)
	} else {
		push = notifier
	}

	files := filebrowser.New(logger)
	h := hub.New(registry, authStore, files, push, logger)

	srv := server.New(server.Config{
		Addr:     fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		WebRoot:  cfg.WebRoot,
		Hub:      h,
		Registry: registry,
		Auth:     authStore,
		Files:    files,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	purgeSig := make(chan os.Signal, 1)
	signal.Notify(purgeSig, syscall.SIGUSR1)
	defer signal.Stop(purgeSig)

	go h.Run(ctx)
	if notifier != nil {
		go notifier.Watch(ctx, registry.Topics())
	}

	sched := cron.New()
	if _, err := sched.AddFunc("30 3 * * *", func() {
		registry.PurgeOldRecords(recordRetention)
	}); err != nil {
		logger.Warn("record purge schedule failed", "err", err)
	}
	sched.Start()
	defer sched.Stop()

	ln, err := listenWithFallback("127.0.0.1", cfg.Port, 10, logger)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	if cert := tlscert.Discover(ctx, cfg.Dir, logger); cert != nil {
		go func() { serveErr <- srv.ServeTLS(ln, cert.CertFile, cert.KeyFile) }()
	} else {
		go func() { serveErr <- srv.Serve(ln) }()
	}
	logger.Info("daemon ready", "addr", ln.Addr().String())

	purge := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-purgeSig:
		logger.Info("purge signal received; killing sessions")
		purge = true
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "err", err)
	}
	registry.Shutdown(purge)
	return nil
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
