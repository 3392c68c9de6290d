// Package tlscert locates HTTPS certificates for the daemon. It looks for
// tailscale-issued certs by the node's DNS name in the usual cert
// directories, provisioning them with the tailscale CLI when absent. If
// nothing can be found the daemon serves plaintext.
package tlscert

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// certDirs are searched in order for <dnsname>.crt / <dnsname>.key pairs.
var certDirs = []string{
	"/var/lib/tailscale/certs",
	"/Library/Tailscale/certs",
}

type Result struct {
	CertFile string
	KeyFile  string
}

// Discover returns a usable cert/key pair or nil for plaintext fallback.
// stateDir receives freshly provisioned certs.
func Discover(ctx context.Context, stateDir string, logger *slog.Logger) *Result {
	name := dnsName(ctx)
	if name == "" {
		logger.Debug("no tailscale dns name; serving plaintext")
		return nil
	}

	dirs := append([]string{filepath.Join(stateDir, "certs")}, certDirs...)
	for _, dir := range dirs {
		cert := filepath.Join(dir, name+".crt")
		key := filepath.Join(dir, name+".key")
		if fileExists(cert) && fileExists(key) {
			logger.Info("using TLS certificate", "cert", cert)
			return &Result{CertFile: cert, KeyFile: key}
		}
	}

	// not found anywhere; ask tailscale to mint one into our state dir
	dir := filepath.Join(stateDir, "certs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warn("cannot create cert directory", "err", err)
		return nil
	}
	cert := filepath.Join(dir, name+".crt")
	key := filepath.Join(dir, name+".key")
	cmd := exec.CommandContext(ctx, "tailscale", "cert", "--cert-file", cert, "--key-file", key, name)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("tailscale cert failed; serving plaintext", "err", err, "output", strings.TrimSpace(string(out)))
		return nil
	}
	logger.Info("provisioned TLS certificate", "cert", cert)
	return &Result{CertFile: cert, KeyFile: key}
}

// dnsName asks the tailscale CLI for this node's MagicDNS name. Empty when
// tailscale is absent or not running.
func dnsName(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "tailscale", "status", "--json").Output()
	if err != nil {
		return ""
	}
	var status struct {
		Self struct {
			DNSName string `json:"DNSName"`
		} `json:"Self"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return ""
	}
	return strings.TrimSuffix(status.Self.DNSName, ".")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
