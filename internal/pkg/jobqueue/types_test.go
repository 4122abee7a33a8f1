package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
	}{
		{"Exchange", JobTypeExchange, "exchange"},
		{"Pool Rebuild", JobTypePoolRebuild, "pool_rebuild"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Failed", JobStatusFailed, "failed"},
		{"Retrying", JobStatusRetrying, "retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{
			name: "Failed job with retries remaining",
			job: &Job{
				Status:     JobStatusFailed,
				RetryCount: 1,
				MaxRetries: 3,
			},
			retryable: true,
		},
		{
			name: "Failed job with no retries remaining",
			job: &Job{
				Status:     JobStatusFailed,
				RetryCount: 3,
				MaxRetries: 3,
			},
			retryable: false,
		},
		{
			name: "Completed job",
			job: &Job{
				Status:     JobStatusCompleted,
				RetryCount: 1,
				MaxRetries: 3,
			},
			retryable: false,
		},
		{
			name: "Pending job",
			job: &Job{
				Status:     JobStatusPending,
				RetryCount: 0,
				MaxRetries: 3,
			},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_MarkAsProcessing(t *testing.T) {
	job := &Job{
		Status: JobStatusPending,
	}

	beforeTime := time.Now()
	job.MarkAsProcessing()
	afterTime := time.Now()

	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.True(t, job.UpdatedAt.After(beforeTime) || job.UpdatedAt.Equal(beforeTime))
	assert.True(t, job.UpdatedAt.Before(afterTime) || job.UpdatedAt.Equal(afterTime))
	assert.NotNil(t, job.ProcessedAt)
	assert.True(t, job.ProcessedAt.After(beforeTime) || job.ProcessedAt.Equal(beforeTime))
	assert.True(t, job.ProcessedAt.Before(afterTime) || job.ProcessedAt.Equal(afterTime))
}

func TestJob_MarkAsCompleted(t *testing.T) {
	job := &Job{
		Status:   JobStatusProcessing,
		ErrorMsg: "some error",
	}

	beforeTime := time.Now()
	job.MarkAsCompleted()
	afterTime := time.Now()

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.True(t, job.UpdatedAt.After(beforeTime) || job.UpdatedAt.Equal(beforeTime))
	assert.True(t, job.UpdatedAt.Before(afterTime) || job.UpdatedAt.Equal(afterTime))
	assert.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.After(beforeTime) || job.CompletedAt.Equal(beforeTime))
	assert.True(t, job.CompletedAt.Before(afterTime) || job.CompletedAt.Equal(afterTime))
	assert.Empty(t, job.ErrorMsg)
}

func TestJob_MarkAsFailed(t *testing.T) {
	job := &Job{
		Status:     JobStatusProcessing,
		RetryCount: 1,
	}

	errorMsg := "processing failed"
	beforeTime := time.Now()
	job.MarkAsFailed(errorMsg)
	afterTime := time.Now()

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.True(t, job.UpdatedAt.After(beforeTime) || job.UpdatedAt.Equal(beforeTime))
	assert.True(t, job.UpdatedAt.Before(afterTime) || job.UpdatedAt.Equal(afterTime))
	assert.Equal(t, errorMsg, job.ErrorMsg)
	assert.Equal(t, 2, job.RetryCount)
}

func TestJob_MarkAsRetrying(t *testing.T) {
	job := &Job{
		Status: JobStatusFailed,
	}

	beforeTime := time.Now()
	job.MarkAsRetrying()
	afterTime := time.Now()

	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.True(t, job.UpdatedAt.After(beforeTime) || job.UpdatedAt.Equal(beforeTime))
	assert.True(t, job.UpdatedAt.Before(afterTime) || job.UpdatedAt.Equal(afterTime))
}

func TestExchangeJobPayload_ToMap(t *testing.T) {
	plan := uint(7)
	payload := ExchangeJobPayload{
		RequestID: "req-1",
		Message:   "ABCD-1234 /100",
		PlanID:    &plan,
	}

	result := payload.ToMap()

	expected := map[string]interface{}{
		"request_id": "req-1",
		"message":    "ABCD-1234 /100",
		"plan_id":    float64(7), // JSON numbers are float64
	}
	assert.Equal(t, expected, result)
}

func TestExchangeJobPayloadFromMap(t *testing.T) {
	data := map[string]interface{}{
		"request_id": "req-2",
		"message":    "WXYZ9876 /50",
		"room_id":    float64(3),
	}

	result, err := ExchangeJobPayloadFromMap(data)
	require.NoError(t, err)
	assert.Equal(t, "req-2", result.RequestID)
	assert.Equal(t, "WXYZ9876 /50", result.Message)
	assert.Nil(t, result.PlanID)
	require.NotNil(t, result.RoomID)
	assert.Equal(t, uint(3), *result.RoomID)
}

func TestPoolRebuildJobPayloadRoundTrip(t *testing.T) {
	room := uint(2)
	payload := PoolRebuildJobPayload{Country: "US", Amount: 100, RoomID: &room}

	result, err := PoolRebuildJobPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, &payload, result)
}

func TestPayloadFromMapErrors(t *testing.T) {
	t.Run("Unmarshalable value", func(t *testing.T) {
		payload, err := ExchangeJobPayloadFromMap(map[string]interface{}{
			"invalid": make(chan int), // Channels can't be marshaled to JSON
		})
		assert.Error(t, err)
		assert.Nil(t, payload)
	})

	t.Run("Wrong field type", func(t *testing.T) {
		payload, err := PoolRebuildJobPayloadFromMap(map[string]interface{}{
			"country": "US",
			"amount":  "a hundred",
		})
		assert.Error(t, err)
		assert.Nil(t, payload)
	})
}

// TestJobSerialization tests full job JSON serialization
func TestJobSerialization(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:         "test-job-123",
		Type:       JobTypeExchange,
		Status:     JobStatusPending,
		Payload:    map[string]interface{}{"request_id": "req-3"},
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: 3,
	}

	jsonData, err := json.Marshal(job)
	require.NoError(t, err)

	var result Job
	require.NoError(t, json.Unmarshal(jsonData, &result))

	assert.Equal(t, job.ID, result.ID)
	assert.Equal(t, job.Type, result.Type)
	assert.Equal(t, job.Status, result.Status)
	assert.Equal(t, job.Payload, result.Payload)
	assert.Equal(t, job.MaxRetries, result.MaxRetries)
}
