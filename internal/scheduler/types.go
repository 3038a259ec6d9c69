// Package scheduler implements the scheduled maintenance tasks of the
// entitlement engine.
//
// Every task takes a reference time so that a manual invocation can replay a
// past run, and every task is safe to repeat: resets are keyed by period,
// reconciliation only halts, and archival stamps what it exported.
package scheduler

import "time"

// TaskType identifies which maintenance task an invocation runs.
type TaskType string

const (
	TaskCreditReset     TaskType = "credit_reset"
	TaskLedgerReconcile TaskType = "ledger_reconcile"
	TaskUsageArchive    TaskType = "usage_archive"
)

// AllTasks lists every task in the order a one-shot run executes them.
var AllTasks = []TaskType{TaskCreditReset, TaskLedgerReconcile, TaskUsageArchive}

// MaintenancePayload is the JSON payload sent by EventBridge rules:
//
//	{
//	  "task": "credit_reset",
//	  "reference_time": "2025-04-01T00:05:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for backfills. If nil, time.Now().UTC()
	// is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Result summarizes one task run.
type Result struct {
	Task      TaskType `json:"task"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}
