package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/IvanRicoPrieto/CCRemote/internal/client"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/supervisor"
)

func newStartCmd() *cobra.Command {
	var (
		port       int
		foreground bool
		supervise  bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon (backgrounded under the supervisor by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			cfg := loadConfig(port)

			if foreground {
				return runDaemon(cfg, newLogger(verbose))
			}
			if supervise {
				child := []string{selfExe(), "start", "-f", "-p", strconv.Itoa(cfg.Port)}
				if verbose {
					child = append(child, "-v")
				}
				return supervisor.New(cfg, child, newLogger(verbose)).Run()
			}
			return startBackground(cfg, verbose)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground without the supervisor")
	cmd.Flags().BoolVar(&supervise, "supervise", false, "run the supervisor loop (internal)")
	_ = cmd.Flags().MarkHidden("supervise")
	return cmd
}

// startBackground detaches a supervisor process and returns once it is up.
func startBackground(cfg config.Config, verbose bool) error {
	if supervisor.Running(cfg.PIDPath()) {
		return errors.New("daemon is already running")
	}
	if err := cfg.EnsureDir(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"start", "--supervise", "-p", strconv.Itoa(cfg.Port)}
	if verbose {
		args = append(args, "-v")
	}
	child := exec.Command(selfExe(), args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn supervisor: %w", err)
	}
	_ = child.Process.Release()

	fmt.Printf("%s daemon starting on port %d (log: %s)\n",
		color.GreenString("✓"), cfg.Port, cfg.LogPath())
	return nil
}

func newStopCmd() *cobra.Command {
	var killSessions bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon (sessions keep running unless --kill-sessions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(0)
			sig := os.Signal(syscall.SIGTERM)
			if killSessions {
				sig = syscall.SIGUSR1
			}
			if err := supervisor.SignalRunning(cfg.PIDPath(), sig); err != nil {
				return err
			}
			if killSessions {
				fmt.Println("daemon stopping; tmux sessions will be killed")
			} else {
				fmt.Println("daemon stopping; tmux sessions keep running")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&killSessions, "kill-sessions", false, "also terminate every tmux session")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			if !supervisor.Running(cfg.PIDPath()) {
				fmt.Println(color.YellowString("daemon is not running"))
				return nil
			}

			token, err := storedToken(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c, err := client.Dial(ctx, cfg.Port, token)
			if err != nil {
				fmt.Println(color.YellowString("supervisor is running but the daemon is not responding"))
				return nil
			}
			defer c.Close()

			fmt.Printf("%s daemon running on port %d, %d session(s)\n",
				color.GreenString("✓"), cfg.Port, len(c.Sessions))
			printSessions(c.Sessions)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	return cmd
}

func selfExe() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
