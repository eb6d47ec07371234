package storage

import (
	"testing"
	"time"

	"github.com/ej-framework/ej/internal/models"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(db)
}

func TestCreateJobDefaultsToNotStarted(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateJob(models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 30)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	outcome, err := s.JobOutcome(id)
	if err != nil {
		t.Fatalf("job outcome: %v", err)
	}
	if outcome.Status != models.JobStatusNotStarted {
		t.Fatalf("status = %q, want not_started", outcome.Status)
	}
}

func TestSetJobStatusSetsDispatchedAtOnce(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateJob(models.JobKindBuild, "abc", "u", "", 10)

	first := time.Now()
	if err := s.SetJobStatus(id, models.JobStatusRunning, first); err != nil {
		t.Fatalf("set status: %v", err)
	}

	var job models.Job
	s.db.Where("id = ?", id).First(&job)
	if job.DispatchedAt == nil {
		t.Fatalf("dispatched_at not set")
	}
	firstDispatch := *job.DispatchedAt

	// A second transition into Running must not move dispatched_at.
	time.Sleep(5 * time.Millisecond)
	if err := s.SetJobStatus(id, models.JobStatusRunning, time.Now()); err != nil {
		t.Fatalf("set status again: %v", err)
	}
	s.db.Where("id = ?", id).First(&job)
	if !job.DispatchedAt.Equal(firstDispatch) {
		t.Fatalf("dispatched_at changed on second Running transition")
	}
}

func TestSetJobStatusSetsFinishedAtOnTerminal(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateJob(models.JobKindBuild, "abc", "u", "", 10)

	if err := s.SetJobStatus(id, models.JobStatusFailed, time.Now()); err != nil {
		t.Fatalf("set status: %v", err)
	}
	var job models.Job
	s.db.Where("id = ?", id).First(&job)
	if job.FinishedAt == nil {
		t.Fatalf("finished_at not set on terminal transition")
	}
}

func TestUpsertConfigIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	builderID, _, _ := s.CreateBuilder("owner-1", "rpi-fleet-1")

	spec := []BoardSpec{
		{
			Name: "rpi4",
			Configs: []BoardConfigSpec{
				{Name: "debug", Tags: []string{"arm", "debug"}, BuildScript: "/b.sh", RunScript: "/r.sh"},
			},
		},
	}

	ids1, err := s.UpsertConfig(builderID, spec)
	if err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	ids2, err := s.UpsertConfig(builderID, spec)
	if err != nil {
		t.Fatalf("upsert config again: %v", err)
	}
	if len(ids1) != 1 || len(ids2) != 1 || ids1[0] != ids2[0] {
		t.Fatalf("re-posting the same config produced different ids: %v vs %v", ids1, ids2)
	}
}

func TestVerifyBuilderToken(t *testing.T) {
	s := newTestStore(t)
	builderID, token, err := s.CreateBuilder("owner-1", "rpi-fleet-1")
	if err != nil {
		t.Fatalf("create builder: %v", err)
	}

	if !s.VerifyBuilderToken(builderID, token) {
		t.Fatalf("correct token rejected")
	}
	if s.VerifyBuilderToken(builderID, "wrong-token") {
		t.Fatalf("wrong token accepted")
	}
}

func TestJobLogsAndResultsOnlyReadAtOutcome(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateJob(models.JobKindBuildRun, "abc", "u", "", 10)

	if err := s.AppendJobLog(id, "bc-1", "build output"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := s.AppendJobResult(id, "bc-1", "42"); err != nil {
		t.Fatalf("append result: %v", err)
	}

	outcome, err := s.JobOutcome(id)
	if err != nil {
		t.Fatalf("job outcome: %v", err)
	}
	if len(outcome.Logs) != 1 || len(outcome.Results) != 1 {
		t.Fatalf("got %d logs, %d results, want 1 each", len(outcome.Logs), len(outcome.Results))
	}
}
