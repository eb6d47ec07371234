// Package builder implements the builder daemon: the websocket client
// that connects to a dispatcher, announces its board configuration,
// and runs whatever Build/Run/Cancel messages arrive by handing them to
// an orchestrator.Orchestrator (SPEC_FULL.md §4.3-4.4).
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ej-framework/ej/internal/builderconfig"
	"github.com/ej-framework/ej/internal/checkout"
	"github.com/ej-framework/ej/internal/orchestrator"
	"github.com/ej-framework/ej/internal/wire"
	"github.com/gorilla/websocket"
)

// Client is one builder's connection to a dispatcher.
type Client struct {
	ServerURL string // full websocket URL, e.g. ws://host:port/ws/builder
	BuilderID string
	Token     string
	Config    *builderconfig.Config
	WorkDir   string
	SocketDir string
	log       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a builder Client bound to a loaded Config.
func New(serverURL, builderID, token string, cfg *builderconfig.Config, workDir, socketDir string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		ServerURL: serverURL, BuilderID: builderID, Token: token, Config: cfg,
		WorkDir: workDir, SocketDir: socketDir, log: log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Connect dials the dispatcher's /ws/builder endpoint, announces the
// builder's configuration, and serves incoming job messages until the
// connection drops or ctx is cancelled. Callers reconnect by calling
// Connect again.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("builder: parse server url: %w", err)
	}
	q := u.Query()
	q.Set("builder_id", c.BuilderID)
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("builder: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	if err := c.announce(conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("builder: connection lost: %w", err)
		}
		c.handle(ctx, conn, data)
	}
}

func (c *Client) announce(conn *websocket.Conn) error {
	var boards []wire.BoardInfo
	for _, b := range c.Config.Boards {
		var configs []wire.BoardConfigInfo
		for _, bc := range b.Configs {
			configs = append(configs, wire.BoardConfigInfo{ID: bc.ID, Name: bc.Name, Tags: bc.Tags})
		}
		boards = append(boards, wire.BoardInfo{Name: b.Name, Description: b.Description, Configs: configs})
	}
	env, err := wire.Encode(wire.TypeConfigAnnounce, wire.ConfigAnnounce{Version: c.Config.Version, Boards: boards})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, env)
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, data []byte) {
	t, payload, err := wire.Decode(data)
	if err != nil {
		c.log.Error("decode failed", "error", err)
		return
	}

	switch t {
	case wire.TypePing:
		env, _ := wire.Encode(wire.TypePong, wire.Pong{})
		_ = conn.WriteMessage(websocket.TextMessage, env)

	case wire.TypeBuild:
		var msg wire.Build
		if json.Unmarshal(payload, &msg) == nil {
			go c.runJob(ctx, conn, msg.JobID, "build", msg.CommitHash, msg.RemoteURL, msg.FetchToken)
		}
	case wire.TypeRun:
		var msg wire.Run
		if json.Unmarshal(payload, &msg) == nil {
			go c.runJob(ctx, conn, msg.JobID, "build_and_run", msg.CommitHash, msg.RemoteURL, msg.FetchToken)
		}
	case wire.TypeCancel:
		var msg wire.Cancel
		if json.Unmarshal(payload, &msg) == nil {
			c.cancelJob(msg.JobID)
		}
	}
}

func (c *Client) runJob(ctx context.Context, conn *websocket.Conn, jobID, kind, commitHash, remoteURL, fetchToken string) {
	jobCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[jobID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, jobID)
		c.mu.Unlock()
		cancel()
	}()

	if gerr := checkout.ValidateGitHubRemote(jobCtx, checkout.Request{RemoteURL: remoteURL, CommitHash: commitHash, FetchToken: fetchToken}); gerr != nil {
		c.reportErr(conn, kind, jobID, nil, gerr.Error())
		return
	}

	o := orchestrator.New(c.Config, c.WorkDir, c.SocketDir)
	outcome, err := o.Run(jobCtx, jobID, kind, checkout.Request{RemoteURL: remoteURL, CommitHash: commitHash, FetchToken: fetchToken})
	if err != nil {
		// o.Run always returns a non-nil Outcome carrying whatever logs
		// and results were collected before err cut the job short; report
		// that instead of discarding it.
		c.log.Warn("job ended with error", "job_id", jobID, "kind", kind, "error", err)
	}
	c.report(conn, kind, jobID, outcome)
}

func (c *Client) cancelJob(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) report(conn *websocket.Conn, kind, jobID string, o *orchestrator.Outcome) {
	var env []byte
	var err error
	switch {
	case kind == "build" && o.Success:
		env, err = wire.Encode(wire.TypeBuildOk, wire.BuildOk{JobID: jobID, Logs: o.Logs})
	case kind == "build" && !o.Success:
		env, err = wire.Encode(wire.TypeBuildErr, wire.BuildErr{JobID: jobID, Logs: o.Logs, ErrorSummary: o.ErrorSummary})
	case o.Success:
		env, err = wire.Encode(wire.TypeRunOk, wire.RunOk{JobID: jobID, Logs: o.Logs, Results: o.Results})
	default:
		env, err = wire.Encode(wire.TypeRunErr, wire.RunErr{JobID: jobID, Logs: o.Logs, Results: o.Results, ErrorSummary: o.ErrorSummary})
	}
	if err != nil {
		c.log.Error("encode outcome failed", "job_id", jobID, "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, env); err != nil {
		c.log.Error("report outcome failed", "job_id", jobID, "error", err)
	}
}

func (c *Client) reportErr(conn *websocket.Conn, kind, jobID string, logs []wire.LogEntry, summary string) {
	c.report(conn, kind, jobID, &orchestrator.Outcome{Success: false, Logs: logs, ErrorSummary: summary})
}

// RetryLoop calls Connect repeatedly with a fixed backoff until ctx is
// cancelled, so a dispatcher restart doesn't require restarting builders.
func (c *Client) RetryLoop(ctx context.Context, backoff time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.Connect(ctx); err != nil {
			c.log.Warn("builder connection dropped, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
