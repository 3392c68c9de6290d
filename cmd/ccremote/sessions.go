package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/IvanRicoPrieto/CCRemote/internal/client"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/hub"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

// dialDaemon connects and authenticates with the locally stored token.
func dialDaemon(ctx context.Context, cfg config.Config) (*client.Client, error) {
	token, err := storedToken(cfg)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, cfg.Port, token)
}

func newNewCmd() *cobra.Command {
	var (
		port        int
		projectPath string
		model       string
		planMode    bool
		shell       bool
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			if projectPath == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				projectPath = cwd
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c, err := dialDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			sessionType := session.KindAssistant
			if shell {
				sessionType = session.KindShell
			}
			if err := c.Send(ctx, hub.TypeCreateSession, hub.CreateSessionPayload{
				ProjectPath: projectPath,
				Model:       model,
				PlanMode:    planMode,
				SessionType: sessionType,
			}); err != nil {
				return err
			}
			info, err := c.WaitForSession(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s session %s created in %s\n",
				color.GreenString("✓"), color.CyanString(info.ID), info.ProjectPath)
			fmt.Printf("  attach locally with: ccremote attach %s\n", info.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "daemon port")
	cmd.Flags().StringVarP(&projectPath, "path", "p", "", "project directory (default: cwd)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "assistant model")
	cmd.Flags().BoolVar(&planMode, "plan", false, "start in plan mode")
	cmd.Flags().BoolVar(&shell, "shell", false, "plain shell session instead of the assistant")
	return cmd
}

func newListCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c, err := dialDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(c.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			printSessions(c.Sessions)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	return cmd
}

func printSessions(sessions []session.Info) {
	for _, info := range sessions {
		state := string(info.State)
		switch info.State {
		case session.StateIdle:
			state = color.GreenString(state)
		case session.StateWorking:
			state = color.YellowString(state)
		case session.StateAwaitingInput, session.StateAwaitingConfirmation:
			state = color.MagentaString(state)
		case session.StateDead, session.StateError, session.StateContextLimit:
			state = color.RedString(state)
		}
		model := info.Model
		if model == "" {
			model = "-"
		}
		fmt.Printf("  %s  %-22s  %-10s  %s\n",
			color.CyanString(info.ID), state, model, info.ProjectPath)
	}
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach the local terminal to a session's tmux",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver := tmux.New(config.TmuxPrefix)
			name := driver.SessionName(args[0])
			if !driver.IsAlive(name) {
				return fmt.Errorf("session not found: %s", args[0])
			}
			argv := driver.AttachCommand(name)
			attach := exec.Command(argv[0], argv[1:]...)
			attach.Stdin = os.Stdin
			attach.Stdout = os.Stdout
			attach.Stderr = os.Stderr
			return attach.Run()
		},
	}
}

func newKillCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a session and its tmux backing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c, err := dialDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			_, err = c.Request(ctx, hub.TypeKillSession,
				hub.SessionRefPayload{SessionID: args[0]}, hub.TypeSessionKilled)
			if err != nil {
				return err
			}
			fmt.Printf("%s session %s killed\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	return cmd
}
