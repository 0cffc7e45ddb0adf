package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"txtwise/internal/util"
	"txtwise/pkg/domain"
)

// JobModel is the jobs table. Rows are never deleted automatically.
type JobModel struct {
	ID        string         `gorm:"primaryKey"`
	Sender    string         `gorm:"not null;index"`
	Recipient string         `gorm:"not null"`
	Body      string         `gorm:"type:text;not null"`
	Status    string         `gorm:"not null;index:idx_job_claim,priority:1"`
	Priority  int            `gorm:"not null;default:0;index:idx_job_claim,priority:2,sort:desc"`
	Attempts  int            `gorm:"not null;default:0"`
	LastError datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index:idx_job_claim,priority:3"`
	UpdatedAt time.Time      `gorm:"not null"`
}

type jobError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PostgresQueue implements Queue on the jobs table. Claims use a single
// UPDATE over a FOR UPDATE SKIP LOCKED subselect.
type PostgresQueue struct {
	db  *gorm.DB
	box Sealer
}

// NewPostgresQueue migrates the jobs table on db.
func NewPostgresQueue(db *gorm.DB, box Sealer) (*PostgresQueue, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if box == nil {
		return nil, errors.New("queue sealer required")
	}
	if err := db.AutoMigrate(&JobModel{}); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &PostgresQueue{db: db, box: box}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, in NewJob) (domain.Job, error) {
	if err := in.validate(); err != nil {
		return domain.Job{}, err
	}
	sealed, err := q.box.Seal(in.Body)
	if err != nil {
		return domain.Job{}, fmt.Errorf("seal job body: %w", err)
	}
	now := time.Now().UTC()
	model := JobModel{
		ID:        util.NewID(),
		Sender:    in.From,
		Recipient: in.To,
		Body:      sealed,
		Status:    string(domain.JobPending),
		Priority:  in.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	job := jobFromModel(model)
	job.Body = in.Body
	return job, nil
}

func (q *PostgresQueue) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	var model JobModel
	err := q.db.WithContext(ctx).Raw(`
		UPDATE job_models
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM job_models
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		string(domain.JobProcessing), time.Now().UTC(), string(domain.JobPending),
	).Scan(&model).Error
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	if model.ID == "" {
		return domain.Job{}, false, nil
	}
	job, err := q.open(model)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	return q.transition(ctx, id, domain.JobCompleted, "", domain.JobProcessing)
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, reason string) error {
	return q.transition(ctx, id, domain.JobFailed, reason, domain.JobProcessing)
}

func (q *PostgresQueue) Requeue(ctx context.Context, id string, reason string) error {
	return q.transition(ctx, id, domain.JobPending, reason, domain.JobProcessing, domain.JobFailed)
}

func (q *PostgresQueue) transition(ctx context.Context, id string, to domain.JobStatus, reason string, from ...domain.JobStatus) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(to),
		"updated_at": now,
	}
	if reason != "" {
		code := "job_failed"
		if to == domain.JobPending {
			code = "job_requeued"
		}
		raw, err := json.Marshal(jobError{Code: code, Message: reason, At: now})
		if err != nil {
			return err
		}
		updates["last_error"] = datatypes.JSON(raw)
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	res := q.db.WithContext(ctx).Model(&JobModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := q.db.WithContext(ctx).Model(&JobModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var model JobModel
	if err := q.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	job, err := q.open(model)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *PostgresQueue) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	var models []JobModel
	if err := q.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(models))
	for _, m := range models {
		out = append(out, jobFromModel(m))
	}
	return out, nil
}

func (q *PostgresQueue) open(model JobModel) (domain.Job, error) {
	job := jobFromModel(model)
	body, err := q.box.Open(model.Body)
	if err != nil {
		return domain.Job{}, fmt.Errorf("open job body %s: %w", model.ID, err)
	}
	job.Body = body
	return job, nil
}

func jobFromModel(m JobModel) domain.Job {
	job := domain.Job{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Recipient,
		Status:    domain.JobStatus(m.Status),
		Priority:  m.Priority,
		Attempts:  m.Attempts,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.LastError) > 0 {
		var je jobError
		if err := json.Unmarshal(m.LastError, &je); err == nil {
			job.LastError = je.Message
		}
	}
	return job
}
