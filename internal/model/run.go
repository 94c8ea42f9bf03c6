package model

import "time"

// CureRunStatus is the lifecycle state of a batch curing run.
type CureRunStatus string

const (
	CureRunRunning  CureRunStatus = "running"
	CureRunComplete CureRunStatus = "complete"
	CureRunFailed   CureRunStatus = "failed"
)

// CureRun is one row of cure_runs: the audit trail of a batch curing run.
type CureRun struct {
	ID            string        `json:"id"`
	Status        CureRunStatus `json:"status"`
	Limit         int           `json:"limit"`
	MaxWorkers    int           `json:"max_workers"`
	Processed     int           `json:"processed"`
	Cured         int           `json:"cured"`
	Improved      int           `json:"improved"`
	NoImprovement int           `json:"no_improvement"`
	Errors        int           `json:"errors"`
	Exhausted     int           `json:"exhausted"`
	TokensIn      int64         `json:"tokens_in"`
	TokensOut     int64         `json:"tokens_out"`
	CostUSD       float64       `json:"cost_usd"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
