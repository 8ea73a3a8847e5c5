// Package model holds the two tables that make up all cross-process
// shared state: cron_jobs and job_executions.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ParamSource records whether a job_executions row was materialized by
// the Cron Dispatcher or the Queue Dispatcher.
type ParamSource string

const (
	ParamSourceCron  ParamSource = "cron"
	ParamSourceEvent ParamSource = "event"
)

// ExecutionStatus is the job_executions state machine. Transitions are
// restricted to PENDING -> RUNNING -> {SUCCESS, FAILED, TIMEOUT} and
// {FAILED, TIMEOUT} -> PENDING (retry); see worker.Pool.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusTimeout ExecutionStatus = "TIMEOUT"
)

// JSONMap is a free-form JSON object column, used for handler_params,
// params and result.
type JSONMap map[string]any

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*j = nil
			return nil
		}
		return json.Unmarshal(v, j)
	case string:
		if v == "" {
			*j = nil
			return nil
		}
		return json.Unmarshal([]byte(v), j)
	default:
		return nil
	}
}

// CronJob is one registered schedule. handler_name is resolved against
// the Handler Registry only at execution time; the value snapshotted
// into a JobExecution is never re-read from this row (invariant I5).
type CronJob struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	CronExpression  string    `gorm:"size:100;not null" json:"cron_expression"`
	HandlerName     string    `gorm:"size:255;not null" json:"handler_name"`
	HandlerParams   JSONMap   `gorm:"type:json" json:"handler_params"`
	IsEnabled       bool      `gorm:"default:true;index" json:"is_enabled"`
	AllowOverlap    bool      `gorm:"default:true" json:"allow_overlap"`
	MaxRetry        int       `gorm:"default:0" json:"max_retry"`
	TimeoutSeconds  int       `gorm:"default:300" json:"timeout_seconds"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CronJob) TableName() string { return "cron_jobs" }

// JobExecution is one scheduled attempt (cron provenance) or one
// inbound event (queue provenance).
type JobExecution struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID         *uint64         `gorm:"uniqueIndex:idx_job_scheduled" json:"job_id"`
	HandlerName   string          `gorm:"size:255;not null" json:"handler_name"`
	ScheduledTime time.Time       `gorm:"uniqueIndex:idx_job_scheduled;not null" json:"scheduled_time"`
	Params        JSONMap         `gorm:"type:json" json:"params"`
	ParamSource   ParamSource     `gorm:"size:16;not null" json:"param_source"`
	Status        ExecutionStatus `gorm:"size:16;not null;index" json:"status"`
	StartedAt     *time.Time      `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	RetryCount    int             `gorm:"default:0" json:"retry_count"`
	ErrorMessage  *string         `gorm:"type:text" json:"error_message"`
	Result        JSONMap         `gorm:"type:json" json:"result"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (JobExecution) TableName() string { return "job_executions" }
