package main

import (
	"encoding/json"
	"fmt"

	"github.com/ej-framework/ej/internal/localsocket"
	"github.com/spf13/cobra"
)

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "submit jobs to a locally running dispatcher",
	}
	cmd.AddCommand(newDispatchSubmitCmd("build", localsocket.RequestDispatchBuild))
	cmd.AddCommand(newDispatchSubmitCmd("run", localsocket.RequestDispatchRun))
	return cmd
}

// dispatchOutcome mirrors localsocket's dispatchResult: the JobOutcome
// (logs, results, success flag) returned once the job reaches a
// terminal state.
type dispatchOutcome struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
	Summary string `json:"summary"`
	Logs    []struct {
		BoardConfigID string `json:"BoardConfigID"`
		Text          string `json:"Text"`
	} `json:"logs"`
	Results []struct {
		BoardConfigID string `json:"BoardConfigID"`
		Text          string `json:"Text"`
	} `json:"results"`
}

func newDispatchSubmitCmd(use string, reqType localsocket.RequestType) *cobra.Command {
	var (
		socketPath  string
		commitHash  string
		remoteURL   string
		fetchToken  string
		timeoutSecs int
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("submit a %s job over the local control socket and wait for its outcome", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"commit_hash":  commitHash,
				"remote_url":   remoteURL,
				"fetch_token":  fetchToken,
				"timeout_secs": timeoutSecs,
			}
			resp, err := localsocket.Call(socketPath, reqType, payload)
			if err != nil {
				return err
			}
			if !resp.Ok {
				return fmt.Errorf("dispatch %s: %s: %s", use, resp.Kind, resp.Message)
			}
			var outcome dispatchOutcome
			if err := json.Unmarshal(resp.Result, &outcome); err != nil {
				return fmt.Errorf("dispatch %s: decode result: %w", use, err)
			}

			for _, l := range outcome.Logs {
				fmt.Printf("=== log: %s ===\n%s\n", l.BoardConfigID, l.Text)
			}
			if reqType == localsocket.RequestDispatchRun {
				for _, r := range outcome.Results {
					fmt.Printf("=== result: %s ===\n%s\n", r.BoardConfigID, r.Text)
				}
			}

			if outcome.Success {
				fmt.Printf("job %s: %s\n", outcome.JobID, outcome.Status)
				return nil
			}
			fmt.Printf("job %s: %s: %s\n", outcome.JobID, outcome.Status, outcome.Summary)
			return fmt.Errorf("job %s did not succeed (status %s)", outcome.JobID, outcome.Status)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/ejd.sock", "path to the dispatcher's local control socket")
	cmd.Flags().StringVar(&commitHash, "commit", "", "commit hash to build")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "git remote URL to check out")
	cmd.Flags().StringVar(&fetchToken, "token", "", "optional fetch token for a private remote")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 600, "job timeout in seconds")
	_ = cmd.MarkFlagRequired("commit")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}
