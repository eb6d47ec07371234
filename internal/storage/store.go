package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/ej-framework/ej/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence adapter the dispatcher core depends on
// (SPEC_FULL.md §4.5). A *gorm.DB backs the only implementation in this
// repository; the interface exists so dispatcher tests can swap in an
// in-memory fake without touching dispatcher logic.
type Store interface {
	CreateJob(kind, commitHash, remoteURL, fetchToken string, timeoutSecs int) (string, error)
	SetJobStatus(jobID, status string, now time.Time) error
	SetJobError(jobID, summary string) error
	UpsertConfig(builderID string, boards []BoardSpec) ([]string, error)
	AppendJobLog(jobID, boardConfigID, text string) error
	AppendJobResult(jobID, boardConfigID, text string) error
	VerifyBuilderToken(builderID, presentedToken string) bool
	JobOutcome(jobID string) (*JobOutcome, error)

	CreateClient(username, password, role string) (string, error)
	VerifyClient(username, password string) (*models.Client, error)
	CreateBuilder(ownerID, name string) (id, token string, err error)
	GetBuilder(builderID string) (*models.Builder, error)

	ListBuilders() ([]models.Builder, error)
	ListRecentJobs(limit int) ([]models.Job, error)
}

// BoardSpec is the input shape for UpsertConfig: one board and its configs
// as announced by a builder (ConfigAnnounce) or loaded from its TOML file.
type BoardSpec struct {
	Name        string
	Description string
	Configs     []BoardConfigSpec
}

// BoardConfigSpec is one board-config within a BoardSpec.
type BoardConfigSpec struct {
	Name        string
	Tags        []string
	BuildScript string
	RunScript   string
	ResultsPath string
	LibraryPath string
}

// JobOutcome is the aggregated result returned to a submitter (§4.1 Submit).
type JobOutcome struct {
	JobID       string
	Kind        string
	TimeoutSecs int
	Status      string
	Success     bool
	Summary     string
	Logs        []models.JobLog
	Results     []models.JobResult
}

// GormStore implements Store over a *gorm.DB.
type GormStore struct {
	db *gorm.DB
}

// New wraps db as a Store.
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func newUUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *GormStore) CreateJob(kind, commitHash, remoteURL, fetchToken string, timeoutSecs int) (string, error) {
	job := models.Job{
		ID:          newUUID(),
		Kind:        kind,
		CommitHash:  commitHash,
		RemoteURL:   remoteURL,
		FetchToken:  fetchToken,
		TimeoutSecs: timeoutSecs,
		Status:      models.JobStatusNotStarted,
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&job).Error; err != nil {
		return "", ejerr.New(ejerr.StorageError, fmt.Errorf("storage: create job: %w", err))
	}
	return job.ID, nil
}

// SetJobStatus applies the side-effect rules from SPEC_FULL.md §3:
// dispatched_at is set on the first transition into Running and never
// again; finished_at is set exactly once, on transition into a terminal
// status.
func (s *GormStore) SetJobStatus(jobID, status string, now time.Time) error {
	updates := map[string]interface{}{"status": status}

	var job models.Job
	if err := s.db.Select("dispatched_at", "finished_at").Where("id = ?", jobID).First(&job).Error; err != nil {
		return ejerr.New(ejerr.StorageError, fmt.Errorf("storage: set job status %s: %w", jobID, err))
	}

	if status == models.JobStatusRunning && job.DispatchedAt == nil {
		updates["dispatched_at"] = now
	}
	if (status == models.JobStatusSuccess || status == models.JobStatusFailed) && job.FinishedAt == nil {
		updates["finished_at"] = now
	}

	if err := s.db.Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return ejerr.New(ejerr.StorageError, fmt.Errorf("storage: set job status %s: %w", jobID, err))
	}
	return nil
}

func (s *GormStore) SetJobError(jobID, summary string) error {
	if err := s.db.Model(&models.Job{}).Where("id = ?", jobID).
		Update("error_summary", summary).Error; err != nil {
		return ejerr.New(ejerr.StorageError, fmt.Errorf("storage: set job error %s: %w", jobID, err))
	}
	return nil
}

// UpsertConfig implements register_builder_config (§4.1): boards and
// board-configs are upserted by (builder_id, name) so that ids stay
// referentially stable across re-announcements of an identical config
// (invariant 6).
func (s *GormStore) UpsertConfig(builderID string, boards []BoardSpec) ([]string, error) {
	var ids []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, b := range boards {
			var board models.Board
			err := tx.Where("builder_id = ? AND name = ?", builderID, b.Name).First(&board).Error
			if err == gorm.ErrRecordNotFound {
				board = models.Board{ID: newUUID(), BuilderID: builderID, Name: b.Name, Description: b.Description}
				if err := tx.Create(&board).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			} else {
				board.Description = b.Description
				if err := tx.Save(&board).Error; err != nil {
					return err
				}
			}

			for _, bc := range b.Configs {
				tagsJSON, err := json.Marshal(bc.Tags)
				if err != nil {
					return err
				}

				var config models.BoardConfig
				err = tx.Where("board_id = ? AND name = ?", board.ID, bc.Name).First(&config).Error
				if err == gorm.ErrRecordNotFound {
					config = models.BoardConfig{
						ID:          newUUID(),
						BoardID:     board.ID,
						Name:        bc.Name,
						Tags:        string(tagsJSON),
						BuildScript: bc.BuildScript,
						RunScript:   bc.RunScript,
						ResultsPath: bc.ResultsPath,
						LibraryPath: bc.LibraryPath,
					}
					if err := tx.Create(&config).Error; err != nil {
						return err
					}
				} else if err != nil {
					return err
				} else {
					config.Tags = string(tagsJSON)
					config.BuildScript = bc.BuildScript
					config.RunScript = bc.RunScript
					config.ResultsPath = bc.ResultsPath
					config.LibraryPath = bc.LibraryPath
					if err := tx.Save(&config).Error; err != nil {
						return err
					}
				}
				ids = append(ids, config.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, ejerr.New(ejerr.StorageError, fmt.Errorf("storage: upsert config for builder %s: %w", builderID, err))
	}
	return ids, nil
}

func (s *GormStore) AppendJobLog(jobID, boardConfigID, text string) error {
	if err := s.db.Create(&models.JobLog{JobID: jobID, BoardConfigID: boardConfigID, Text: text}).Error; err != nil {
		return ejerr.New(ejerr.StorageError, fmt.Errorf("storage: append job log %s/%s: %w", jobID, boardConfigID, err))
	}
	return nil
}

func (s *GormStore) AppendJobResult(jobID, boardConfigID, text string) error {
	if err := s.db.Create(&models.JobResult{JobID: jobID, BoardConfigID: boardConfigID, Text: text}).Error; err != nil {
		return ejerr.New(ejerr.StorageError, fmt.Errorf("storage: append job result %s/%s: %w", jobID, boardConfigID, err))
	}
	return nil
}

func (s *GormStore) VerifyBuilderToken(builderID, presentedToken string) bool {
	var b models.Builder
	if err := s.db.Where("id = ?", builderID).First(&b).Error; err != nil {
		return false
	}
	return b.TokenHash == hashToken(presentedToken)
}

func (s *GormStore) JobOutcome(jobID string) (*JobOutcome, error) {
	var job models.Job
	if err := s.db.Where("id = ?", jobID).First(&job).Error; err != nil {
		return nil, ejerr.New(ejerr.StorageError, fmt.Errorf("storage: job outcome %s: %w", jobID, err))
	}
	var logs []models.JobLog
	s.db.Where("job_id = ?", jobID).Find(&logs)
	var results []models.JobResult
	s.db.Where("job_id = ?", jobID).Find(&results)

	return &JobOutcome{
		JobID:       job.ID,
		Kind:        job.Kind,
		TimeoutSecs: job.TimeoutSecs,
		Status:      job.Status,
		Success: job.Status == models.JobStatusSuccess,
		Summary: job.ErrorSummary,
		Logs:    logs,
		Results: results,
	}, nil
}

func (s *GormStore) CreateClient(username, password, role string) (string, error) {
	c := models.Client{
		ID:           newUUID(),
		Username:     username,
		PasswordHash: hashToken(password),
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&c).Error; err != nil {
		return "", ejerr.New(ejerr.StorageError, fmt.Errorf("storage: create client %s: %w", username, err))
	}
	return c.ID, nil
}

func (s *GormStore) VerifyClient(username, password string) (*models.Client, error) {
	var c models.Client
	if err := s.db.Where("username = ?", username).First(&c).Error; err != nil {
		return nil, ejerr.New(ejerr.AuthFailed, fmt.Errorf("storage: no such client %s", username))
	}
	if c.PasswordHash != hashToken(password) {
		return nil, ejerr.New(ejerr.AuthFailed, fmt.Errorf("storage: bad password for %s", username))
	}
	return &c, nil
}

func (s *GormStore) CreateBuilder(ownerID, name string) (string, string, error) {
	token := newUUID() + newUUID()
	b := models.Builder{
		ID:        newUUID(),
		OwnerID:   ownerID,
		Name:      name,
		TokenHash: hashToken(token),
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&b).Error; err != nil {
		return "", "", ejerr.New(ejerr.StorageError, fmt.Errorf("storage: create builder %s: %w", name, err))
	}
	return b.ID, token, nil
}

func (s *GormStore) GetBuilder(builderID string) (*models.Builder, error) {
	var b models.Builder
	if err := s.db.Where("id = ?", builderID).First(&b).Error; err != nil {
		return nil, ejerr.New(ejerr.BadRequest, fmt.Errorf("storage: no such builder %s", builderID))
	}
	return &b, nil
}

func (s *GormStore) ListBuilders() ([]models.Builder, error) {
	var builders []models.Builder
	if err := s.db.Find(&builders).Error; err != nil {
		return nil, ejerr.New(ejerr.StorageError, fmt.Errorf("storage: list builders: %w", err))
	}
	return builders, nil
}

func (s *GormStore) ListRecentJobs(limit int) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.Order("created_at desc").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, ejerr.New(ejerr.StorageError, fmt.Errorf("storage: list recent jobs: %w", err))
	}
	return jobs, nil
}
