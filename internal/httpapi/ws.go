package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ej-framework/ej/internal/dispatcher"
	"github.com/ej-framework/ej/internal/storage"
	"github.com/ej-framework/ej/internal/wire"
	"github.com/gin-gonic/gin"
)

// upgradeBuilder upgrades GET /ws/builder?builder_id=&token= to a
// websocket connection, authenticating the builder by its token before
// the upgrade is allowed to proceed, then hands the connection to the
// dispatcher's session registry and reads messages until it closes.
func (s *Server) upgradeBuilder(c *gin.Context) {
	builderID := c.Query("builder_id")
	token := c.Query("token")
	if builderID == "" || token == "" || !s.st.VerifyBuilderToken(builderID, token) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := s.up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("ws upgrade failed", "builder_id", builderID, "error", err)
		return
	}

	sess := dispatcher.NewSession(builderID, conn)
	s.d.OnBuilderConnect(builderID, sess)
	defer func() {
		s.d.OnBuilderDisconnect(builderID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()
		s.handleBuilderMessage(builderID, sess, data)
	}
}

func (s *Server) handleBuilderMessage(builderID string, sess *dispatcher.Session, data []byte) {
	t, payload, err := wire.Decode(data)
	if err != nil {
		s.log.Error("ws decode failed", "builder_id", builderID, "error", err)
		return
	}

	switch t {
	case wire.TypeConfigAnnounce:
		var msg wire.ConfigAnnounce
		if json.Unmarshal(payload, &msg) != nil {
			return
		}
		var specs []storage.BoardSpec
		for _, b := range msg.Boards {
			var configs []storage.BoardConfigSpec
			for _, bc := range b.Configs {
				configs = append(configs, storage.BoardConfigSpec{Name: bc.Name, Tags: bc.Tags})
			}
			specs = append(specs, storage.BoardSpec{Name: b.Name, Description: b.Description, Configs: configs})
		}
		if _, err := s.d.RegisterBuilderConfig(builderID, specs); err != nil {
			s.log.Error("config announce failed", "builder_id", builderID, "error", err)
		}

	case wire.TypePong:
		// liveness only; Touch already recorded above.

	// ReportOutcome (which may finalize the job into a terminal status)
	// runs before the log/result rows are persisted, per invariant 5:
	// JobLog and JobResult rows only exist for jobs in a terminal state.
	case wire.TypeBuildOk:
		var msg wire.BuildOk
		if json.Unmarshal(payload, &msg) == nil {
			s.d.ReportOutcome(msg.JobID, builderID, true, "")
			s.recordLogs(msg.JobID, msg.Logs)
		}
	case wire.TypeBuildErr:
		var msg wire.BuildErr
		if json.Unmarshal(payload, &msg) == nil {
			s.d.ReportOutcome(msg.JobID, builderID, false, msg.ErrorSummary)
			s.recordLogs(msg.JobID, msg.Logs)
		}
	case wire.TypeRunOk:
		var msg wire.RunOk
		if json.Unmarshal(payload, &msg) == nil {
			s.d.ReportOutcome(msg.JobID, builderID, true, "")
			s.recordLogs(msg.JobID, msg.Logs)
			s.recordResults(msg.JobID, msg.Results)
		}
	case wire.TypeRunErr:
		var msg wire.RunErr
		if json.Unmarshal(payload, &msg) == nil {
			s.d.ReportOutcome(msg.JobID, builderID, false, msg.ErrorSummary)
			s.recordLogs(msg.JobID, msg.Logs)
			s.recordResults(msg.JobID, msg.Results)
		}
	}
}

func (s *Server) recordLogs(jobID string, logs []wire.LogEntry) {
	for _, l := range logs {
		if err := s.st.AppendJobLog(jobID, l.BoardConfigID, l.Text); err != nil {
			s.log.Error("append job log failed", "job_id", jobID, "error", err)
		}
	}
}

func (s *Server) recordResults(jobID string, results []wire.ResultEntry) {
	for _, r := range results {
		if err := s.st.AppendJobResult(jobID, r.BoardConfigID, r.Text); err != nil {
			s.log.Error("append job result failed", "job_id", jobID, "error", err)
		}
	}
}
