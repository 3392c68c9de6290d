package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/mcp"
	"github.com/IvanRicoPrieto/CCRemote/internal/qr"
	"github.com/IvanRicoPrieto/CCRemote/internal/store"
)

func newTokenCmd() *cobra.Command {
	var regenerate bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(0)
			if err := cfg.EnsureDir(); err != nil {
				return err
			}
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			st, err := store.Open(cfg.DBPath(), quiet)
			if err != nil {
				return err
			}
			defer st.Close()

			a := auth.New(st)
			var token string
			if regenerate {
				token, err = a.Regenerate()
				if err == nil {
					fmt.Fprintln(os.Stderr, color.YellowString("token regenerated; existing clients are logged out"))
				}
			} else {
				token, err = a.Token()
			}
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&regenerate, "regenerate", "r", false, "replace the token")
	return cmd
}

func newQRCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Print the pairing URL as a QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			token, err := storedToken(cfg)
			if err != nil {
				return err
			}
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "localhost"
			}
			url := fmt.Sprintf("http://%s:%d/?token=%s", hostname, cfg.Port, token)

			code, err := qr.Render(url)
			if err != nil {
				return err
			}
			fmt.Println(code)
			fmt.Println(url)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	return cmd
}

func newMCPCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run an MCP stdio server exposing the daemon's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(port)
			token, err := storedToken(cfg)
			if err != nil {
				return err
			}
			return mcp.NewServer(cfg.Port, token, version).Serve()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "daemon port")
	return cmd
}
