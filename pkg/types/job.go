package types

import "time"

// JobStatus represents the current state of a code-execution job.
// Transitions only move forward through the pipeline; the four
// failure statuses and "completed" are terminal.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusProvisioning JobStatus = "provisioning_vm"
	JobStatusUploading    JobStatus = "uploading_code"
	JobStatusRunning      JobStatus = "running_code"
	JobStatusDownloading  JobStatus = "downloading_results"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusExecTimeout  JobStatus = "execution_timeout"
	JobStatusVMTimeout    JobStatus = "vm_timeout"
	JobStatusOrchTimeout  JobStatus = "orchestration_timeout"
)

// Terminal reports whether the status is a sink state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExecTimeout,
		JobStatusVMTimeout, JobStatusOrchTimeout:
		return true
	}
	return false
}

// JobRequest is the request body for submitting a code-execution job.
type JobRequest struct {
	Code            string `json:"code"`
	Language        string `json:"language"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"` // 1..300, default 30
	ResourceProfile string `json:"resource_profile,omitempty"`
}

// JobResult holds the captured output of a finished run.
type JobResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// JobSnapshot is the pollable view of a job.
type JobSnapshot struct {
	ID              string     `json:"job_id"`
	Status          JobStatus  `json:"status"`
	Language        string     `json:"language"`
	ResourceProfile string     `json:"resource_profile"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Result          *JobResult `json:"result,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SubmitResponse is returned from POST /v1/jobs.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}
