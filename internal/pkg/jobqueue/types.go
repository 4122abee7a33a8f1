package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType represents the type of job
type JobType string

const (
	JobTypeExchange    JobType = "exchange"
	JobTypePoolRebuild JobType = "pool_rebuild"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ExchangeJobPayload carries one inbound redemption message.
type ExchangeJobPayload struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	PlanID    *uint  `json:"plan_id,omitempty"`
	RoomID    *uint  `json:"room_id,omitempty"`
}

// PoolRebuildJobPayload names the pool to rebuild from the ledger.
type PoolRebuildJobPayload struct {
	Country string  `json:"country"`
	Amount  float64 `json:"amount"`
	PlanID  *uint   `json:"plan_id,omitempty"`
	RoomID  *uint   `json:"room_id,omitempty"`
}

// ToMap converts ExchangeJobPayload to map for JSON storage
func (p ExchangeJobPayload) ToMap() map[string]interface{} {
	return toMap(p)
}

// ExchangeJobPayloadFromMap creates ExchangeJobPayload from map
func ExchangeJobPayloadFromMap(data map[string]interface{}) (*ExchangeJobPayload, error) {
	var payload ExchangeJobPayload
	if err := fromMap(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ToMap converts PoolRebuildJobPayload to map for JSON storage
func (p PoolRebuildJobPayload) ToMap() map[string]interface{} {
	return toMap(p)
}

// PoolRebuildJobPayloadFromMap creates PoolRebuildJobPayload from map
func PoolRebuildJobPayloadFromMap(data map[string]interface{}) (*PoolRebuildJobPayload, error) {
	var payload PoolRebuildJobPayload
	if err := fromMap(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// toMap round-trips through JSON so stored payloads look exactly like the
// job record read back from Redis.
func toMap(v any) map[string]interface{} {
	out := map[string]interface{}{}
	data, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func fromMap(data map[string]interface{}, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
