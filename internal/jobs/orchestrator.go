package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/sshexec"
	"github.com/virtforge/virtforge/internal/vm"
	"github.com/virtforge/virtforge/pkg/types"
)

const (
	defaultTimeoutSeconds = 30
	maxTimeoutSeconds     = 300
)

// ExecChannel is the remote-execution surface the pipeline needs from
// an SSH connection. *sshexec.Client satisfies it.
type ExecChannel interface {
	UploadFile(localPath, remotePath string) error
	DownloadFile(remotePath, localPath string) error
	RunCommand(cmd string, timeoutSeconds int) (stdout, stderr string, exitCode int)
	Close() error
}

// Dialer opens an ExecChannel to a VM at the given address.
type Dialer func(host string) (ExecChannel, error)

// Provisioner is the slice of the VM manager the pipeline uses.
type Provisioner interface {
	CreateEphemeral(ctx context.Context, name string, memoryMB, vcpus int) (hypervisor.Domain, string, error)
	Start(d hypervisor.Domain) error
	ResolveIP(ctx context.Context, d hypervisor.Domain, timeout time.Duration, allowFallback bool) (string, bool)
	CleanupEphemeral(d hypervisor.Domain, diskPath string)
}

// Config holds orchestrator tuning.
type Config struct {
	MaxConcurrentVMs     int
	QueueSize            int
	VMReadyTimeout       time.Duration
	OrchestrationTimeout time.Duration
	ReapInterval         time.Duration
	RemoteWorkDir        string
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentVMs <= 0 {
		c.MaxConcurrentVMs = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.VMReadyTimeout <= 0 {
		c.VMReadyTimeout = 60 * time.Second
	}
	if c.OrchestrationTimeout <= 0 {
		c.OrchestrationTimeout = 300 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
	if c.RemoteWorkDir == "" {
		c.RemoteWorkDir = "/tmp"
	}
}

// Orchestrator runs code-execution jobs on a fixed-size worker pool.
// Pool size bounds the number of ephemeral VMs alive at once.
type Orchestrator struct {
	cfg     Config
	vms     Provisioner
	dial    Dialer
	store   *Store
	history *History

	queue    chan string
	workers  sync.WaitGroup
	stopReap chan struct{}

	mu       sync.Mutex
	shutdown bool
}

// New starts the worker pool and the stale-job reaper. history may be
// nil; terminal records are then kept in memory only.
func New(cfg Config, vms Provisioner, dial Dialer, history *History) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		vms:      vms,
		dial:     dial,
		store:    NewStore(),
		history:  history,
		queue:    make(chan string, cfg.QueueSize),
		stopReap: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConcurrentVMs; i++ {
		o.workers.Add(1)
		go o.worker()
	}
	go o.reaper()
	return o
}

// SSHDialer adapts an sshexec config into the Dialer the pipeline
// expects.
func SSHDialer(cfg sshexec.Config) Dialer {
	return func(host string) (ExecChannel, error) {
		return sshexec.Dial(host, cfg)
	}
}

// Submit validates the request, stores a queued job, and hands it to
// the pool. A saturated queue fails the job immediately instead of
// blocking the caller.
func (o *Orchestrator) Submit(req types.JobRequest) (string, error) {
	if req.Code == "" {
		return "", fmt.Errorf("code is required")
	}
	if req.Language != "python" {
		return "", fmt.Errorf("unsupported language %q, only python is supported", req.Language)
	}
	timeoutS := req.TimeoutSeconds
	if timeoutS <= 0 {
		timeoutS = defaultTimeoutSeconds
	}
	if timeoutS > maxTimeoutSeconds {
		timeoutS = maxTimeoutSeconds
	}

	j := &Job{
		ID:             uuid.New().String(),
		Status:         types.JobStatusQueued,
		Code:           req.Code,
		Language:       req.Language,
		TimeoutSeconds: timeoutS,
		Profile:        req.ResourceProfile,
		SubmittedAt:    time.Now(),
	}
	o.store.Put(j)

	// The queue send stays under the mutex so Shutdown cannot close the
	// channel between the flag check and the send.
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		o.finish(j.ID, types.JobStatusFailed, nil, "orchestrator is shutting down")
		return j.ID, nil
	}
	select {
	case o.queue <- j.ID:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.finish(j.ID, types.JobStatusFailed, nil, "job queue is full, try again later")
	}
	return j.ID, nil
}

// GetStatus returns the job snapshot, first applying the watchdog: a
// job non-terminal past the orchestration ceiling is rewritten to
// orchestration_timeout at read time.
func (o *Orchestrator) GetStatus(jobID string) (types.JobSnapshot, bool) {
	snap, ok := o.store.Snapshot(jobID)
	if !ok {
		return types.JobSnapshot{}, false
	}
	if !snap.Status.Terminal() && snap.StartedAt != nil &&
		time.Since(*snap.StartedAt) > o.cfg.OrchestrationTimeout {
		o.finish(jobID, types.JobStatusOrchTimeout, nil,
			fmt.Sprintf("job exceeded orchestration ceiling of %s", o.cfg.OrchestrationTimeout))
		snap, _ = o.store.Snapshot(jobID)
	}
	return snap, true
}

// Shutdown stops accepting jobs and waits for in-flight workers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	o.mu.Unlock()

	close(o.queue)
	o.workers.Wait()
	close(o.stopReap)
}

func (o *Orchestrator) worker() {
	defer o.workers.Done()
	for id := range o.queue {
		o.runJob(id)
	}
}

// reaper sweeps jobs past the orchestration ceiling so they terminate
// even if nobody polls them.
func (o *Orchestrator) reaper() {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopReap:
			return
		case <-ticker.C:
			for _, id := range o.store.Stale(o.cfg.OrchestrationTimeout) {
				log.Printf("virtforge: reaping stale job %s", id)
				o.finish(id, types.JobStatusOrchTimeout, nil,
					fmt.Sprintf("job exceeded orchestration ceiling of %s", o.cfg.OrchestrationTimeout))
			}
		}
	}
}

// finish moves a job to a terminal status and records the outcome.
// Only the first terminal writer takes effect.
func (o *Orchestrator) finish(jobID string, status types.JobStatus, result *types.JobResult, errMsg string) {
	if !o.store.Complete(jobID, status, result, errMsg) {
		return
	}
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	if o.history != nil {
		if snap, ok := o.store.Snapshot(jobID); ok {
			if err := o.history.Record(snap); err != nil {
				log.Printf("virtforge: failed to record job %s history: %v", jobID, err)
			}
		}
	}
}

// runJob executes the full pipeline for one job on the calling worker.
// No error escapes: every failure path lands in a terminal status, and
// the deferred block tears down whatever was provisioned.
func (o *Orchestrator) runJob(jobID string) {
	job, ok := o.store.get(jobID)
	if !ok {
		return
	}
	o.store.MarkStarted(jobID)
	metrics.JobsActive.Inc()
	start := time.Now()

	ctx := context.Background()

	var (
		dom         hypervisor.Domain
		diskPath    string
		provisioned bool
		ch          ExecChannel
		scratch     string
	)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("virtforge: job %s worker panicked: %v", jobID, r)
			o.finish(jobID, types.JobStatusFailed, nil, fmt.Sprintf("internal error: %v", r))
		}
		if ch != nil {
			ch.Close()
		}
		if provisioned {
			o.vms.CleanupEphemeral(dom, diskPath)
		}
		if scratch != "" {
			os.RemoveAll(scratch)
		}
		// Safety net: a worker must never leave a job non-terminal.
		o.finish(jobID, types.JobStatusFailed, nil, "worker exited without a result")
		metrics.JobsActive.Dec()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. Provision.
	o.store.Advance(jobID, types.JobStatusProvisioning)
	prof := ProfileFor(job.Profile)
	name := "vf-eph-" + jobID[:8]

	var err error
	dom, diskPath, err = o.vms.CreateEphemeral(ctx, name, prof.MemoryMB, prof.VCPUs)
	if err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, vmErrorMessage(err))
		return
	}
	provisioned = true
	if err := o.vms.Start(dom); err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, vmErrorMessage(err))
		return
	}

	// 2. Wait for an address.
	ip, ok := o.vms.ResolveIP(ctx, dom, o.cfg.VMReadyTimeout, true)
	if !ok {
		o.finish(jobID, types.JobStatusVMTimeout, nil,
			fmt.Sprintf("VM %s did not become reachable within %s", name, o.cfg.VMReadyTimeout))
		return
	}

	// 3. Upload.
	o.store.Advance(jobID, types.JobStatusUploading)
	ch, err = o.dial(ip)
	if err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, sshErrorMessage(err))
		return
	}

	scratch, err = os.MkdirTemp("", "vf-job-")
	if err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, fmt.Sprintf("failed to create scratch dir: %v", err))
		return
	}
	localScript := fmt.Sprintf("%s/job.py", scratch)
	if err := os.WriteFile(localScript, []byte(job.Code), 0600); err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, fmt.Sprintf("failed to write code file: %v", err))
		return
	}

	remoteScript := fmt.Sprintf("%s/vf-job-%s.py", o.cfg.RemoteWorkDir, jobID)
	remoteStdout := remoteScript + ".out"
	remoteStderr := remoteScript + ".err"
	if err := ch.UploadFile(localScript, remoteScript); err != nil {
		o.finish(jobID, types.JobStatusFailed, nil, sshErrorMessage(err))
		return
	}

	// 4. Run.
	o.store.Advance(jobID, types.JobStatusRunning)
	cmd := fmt.Sprintf("python3 %s > %s 2> %s", remoteScript, remoteStdout, remoteStderr)
	_, runStderr, exitCode := ch.RunCommand(cmd, job.TimeoutSeconds)

	// 5. Download.
	o.store.Advance(jobID, types.JobStatusDownloading)
	stdout, stderr := o.fetchLogs(ch, scratch, remoteStdout, remoteStderr)

	if exitCode == -1 {
		o.finish(jobID, types.JobStatusFailed, nil,
			fmt.Sprintf("ssh channel failure during execution: %s", runStderr))
		return
	}

	result := &types.JobResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode == 124 {
		result.Stderr += fmt.Sprintf("\n[execution timed out after %d seconds]", job.TimeoutSeconds)
		o.finish(jobID, types.JobStatusExecTimeout, result,
			fmt.Sprintf("execution exceeded the %d second limit", job.TimeoutSeconds))
		return
	}
	o.finish(jobID, types.JobStatusCompleted, result, "")
}

// fetchLogs retrieves the remote stdout/stderr captures. A missing log
// yields empty output rather than failing a job that already ran.
func (o *Orchestrator) fetchLogs(ch ExecChannel, scratch, remoteStdout, remoteStderr string) (string, string) {
	localStdout := fmt.Sprintf("%s/stdout.log", scratch)
	localStderr := fmt.Sprintf("%s/stderr.log", scratch)
	if err := ch.DownloadFile(remoteStdout, localStdout); err != nil {
		log.Printf("virtforge: failed to download stdout log: %v", err)
	}
	if err := ch.DownloadFile(remoteStderr, localStderr); err != nil {
		log.Printf("virtforge: failed to download stderr log: %v", err)
	}
	stdout, _ := os.ReadFile(localStdout)
	stderr, _ := os.ReadFile(localStderr)
	return string(stdout), string(stderr)
}

func vmErrorMessage(err error) string {
	var de *vm.DefineError
	var se *vm.StartError
	switch {
	case errors.As(err, &de):
		return fmt.Sprintf("failed to define VM: %v", err)
	case errors.As(err, &se):
		return fmt.Sprintf("failed to start VM: %v", err)
	default:
		return fmt.Sprintf("VM provisioning failed: %v", err)
	}
}

func sshErrorMessage(err error) string {
	var ae *sshexec.AuthError
	var ce *sshexec.ConnectError
	var te *sshexec.TransferError
	switch {
	case errors.As(err, &ae):
		return fmt.Sprintf("ssh authentication failed: %v", err)
	case errors.As(err, &ce):
		return fmt.Sprintf("ssh connection failed: %v", err)
	case errors.As(err, &te):
		return fmt.Sprintf("file transfer failed: %v", err)
	default:
		return fmt.Sprintf("ssh error: %v", err)
	}
}
