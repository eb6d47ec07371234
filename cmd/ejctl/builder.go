package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ej-framework/ej/internal/builder"
	"github.com/ej-framework/ej/internal/builderconfig"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newBuilderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builder",
		Short: "run or inspect a builder",
	}
	cmd.AddCommand(newBuilderConnectCmd(), newBuilderParseCmd(), newBuilderValidateCmd())
	return cmd
}

func newBuilderConnectCmd() *cobra.Command {
	var (
		configPath string
		server     string
		builderID  string
		workDir    string
		socketDir  string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "connect this host to a dispatcher and serve build/run jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := builderconfig.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("builder connect: %w", err)
			}

			token := os.Getenv("EJB_TOKEN")
			if token == "" {
				fmt.Fprint(os.Stderr, "builder token: ")
				tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("builder connect: read token: %w", err)
				}
				token = string(tokenBytes)
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			c := builder.New(server, builderID, token, cfg, workDir, socketDir, log)
			c.RetryLoop(cmd.Context(), 5*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "builder.toml", "path to this builder's TOML config")
	cmd.Flags().StringVar(&server, "server", "", "dispatcher websocket URL, e.g. ws://dispatcher:8080/ws/builder")
	cmd.Flags().StringVar(&builderID, "builder-id", "", "this builder's registered id")
	cmd.Flags().StringVar(&workDir, "work-dir", "/tmp/ej-checkouts", "base directory for job checkouts")
	cmd.Flags().StringVar(&socketDir, "socket-dir", "/tmp/ej-control", "base directory for per-script control sockets")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("builder-id")
	return cmd
}

func newBuilderParseCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "parse a builder TOML config and print its expanded form",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := builder.ParseConfig(configPath)
			if err != nil {
				return err
			}
			for _, b := range cfg.Boards {
				fmt.Printf("board %s (%s)\n", b.Name, b.ID)
				for _, c := range b.Configs {
					fmt.Printf("  config %s (%s) tags=%v\n", c.Name, c.ID, c.Tags)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "builder.toml", "path to the builder TOML config to parse")
	return cmd
}

func newBuilderValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "validate a builder TOML config without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := builder.Validate(configPath); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "builder.toml", "path to the builder TOML config to validate")
	return cmd
}
