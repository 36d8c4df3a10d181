package jobs

import (
	"time"

	"github.com/virtforge/virtforge/pkg/types"
)

// Job is the orchestrator's internal record for one submitted
// execution. Mutable fields are written only by the single worker that
// owns the job; the Store's lock covers all cross-goroutine access.
type Job struct {
	ID             string
	Status         types.JobStatus
	Code           string
	Language       string
	TimeoutSeconds int
	Profile        string
	SubmittedAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Result         *types.JobResult
	ErrorMessage   string
}

func (j *Job) snapshot() types.JobSnapshot {
	snap := types.JobSnapshot{
		ID:              j.ID,
		Status:          j.Status,
		Language:        j.Language,
		ResourceProfile: j.Profile,
		TimeoutSeconds:  j.TimeoutSeconds,
		SubmittedAt:     j.SubmittedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		ErrorMessage:    j.ErrorMessage,
	}
	if j.Result != nil {
		r := *j.Result
		snap.Result = &r
	}
	return snap
}

// Profile maps a named resource tier to VM sizing.
type Profile struct {
	MemoryMB int
	VCPUs    int
}

var profiles = map[string]Profile{
	"small":  {MemoryMB: 512, VCPUs: 1},
	"medium": {MemoryMB: 1024, VCPUs: 2},
	"large":  {MemoryMB: 2048, VCPUs: 4},
}

// ProfileFor returns the sizing for a profile name. Unknown names fall
// back to small rather than failing the job.
func ProfileFor(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["small"]
}
