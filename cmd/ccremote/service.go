package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Service installation: launchd agent on darwin, systemd user unit on
// linux. Both run the daemon in the foreground and rely on the service
// manager for restarts, so the built-in supervisor stays out of the way.

const launchdLabel = "com.ccremote.daemon"

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install ccremote as a user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return installLaunchd()
			case "linux":
				return installSystemd()
			default:
				return fmt.Errorf("no service manager support for %s", runtime.GOOS)
			}
		},
	}
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the ccremote user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("no service manager support for %s", runtime.GOOS)
			}
		},
	}
}

func launchdPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

func installLaunchd() error {
	path, err := launchdPlistPath()
	if err != nil {
		return err
	}
	cfg := loadConfig(0)
	plist := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key><string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>start</string>
		<string>-f</string>
	</array>
	<key>RunAtLoad</key><true/>
	<key>KeepAlive</key><true/>
	<key>StandardOutPath</key><string>%s</string>
	<key>StandardErrorPath</key><string>%s</string>
</dict>
</plist>
`, launchdLabel, selfExe(), cfg.LogPath(), cfg.LogPath())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(plist), 0o644); err != nil {
		return err
	}
	if out, err := exec.Command("launchctl", "load", path).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	fmt.Printf("%s launchd agent installed: %s\n", color.GreenString("✓"), path)
	return nil
}

func uninstallLaunchd() error {
	path, err := launchdPlistPath()
	if err != nil {
		return err
	}
	if out, err := exec.Command("launchctl", "unload", path).CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "launchctl unload: %s\n", out)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Printf("%s launchd agent removed\n", color.GreenString("✓"))
	return nil
}

func systemdUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", "ccremote.service"), nil
}

func installSystemd() error {
	path, err := systemdUnitPath()
	if err != nil {
		return err
	}
	unit := fmt.Sprintf(`[Unit]
Description=ccremote session daemon

[Service]
ExecStart=%s start -f
Restart=on-failure
RestartSec=2

[Install]
WantedBy=default.target
`, selfExe())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", "--now", "ccremote.service"},
	} {
		cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("systemctl --user %v: %s: %w", args, out, err)
		}
	}
	fmt.Printf("%s systemd user unit installed: %s\n", color.GreenString("✓"), path)
	return nil
}

func uninstallSystemd() error {
	path, err := systemdUnitPath()
	if err != nil {
		return err
	}
	cmd := exec.Command("systemctl", "--user", "disable", "--now", "ccremote.service")
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "systemctl disable: %s\n", out)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
	fmt.Printf("%s systemd user unit removed\n", color.GreenString("✓"))
	return nil
}
