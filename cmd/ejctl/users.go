package main

import (
	"encoding/json"
	"fmt"

	"github.com/ej-framework/ej/internal/localsocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"os"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "manage dispatcher client accounts",
	}
	cmd.AddCommand(newUsersCreateRootCmd())
	return cmd
}

func newUsersCreateRootCmd() *cobra.Command {
	var (
		socketPath string
		username   string
	)
	cmd := &cobra.Command{
		Use:   "create-root",
		Short: "create the first admin client over the local control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "password: ")
			passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("users create-root: read password: %w", err)
			}

			resp, err := localsocket.Call(socketPath, localsocket.RequestCreateRootUser, map[string]string{
				"username": username,
				"password": string(passwordBytes),
			})
			if err != nil {
				return err
			}
			if !resp.Ok {
				return fmt.Errorf("users create-root: %s: %s", resp.Kind, resp.Message)
			}
			var result struct {
				ClientID string `json:"client_id"`
			}
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return fmt.Errorf("users create-root: decode result: %w", err)
			}
			fmt.Println(result.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/ejd.sock", "path to the dispatcher's local control socket")
	cmd.Flags().StringVar(&username, "username", "admin", "username for the new admin client")
	return cmd
}
