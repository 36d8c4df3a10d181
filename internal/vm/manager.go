// Package vm implements the domain lifecycle layer: defining, starting,
// stopping, and undefining VM domains on the hypervisor, plus the IP
// resolution and cleanup paths the job pipeline and workspace API build on.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/pkg/types"
)

// ImageStore is the slice of the image layer the manager needs.
// Satisfied by *image.Manager.
type ImageStore interface {
	CreateOverlay(ctx context.Context, name, baseImage, targetDir string) (string, error)
	CreateStandalone(ctx context.Context, name, size, targetDir string) (string, error)
	Delete(diskPath, allowedRoot string) error
}

// DefineError is a hypervisor-reported failure to register a domain.
type DefineError struct {
	Name string
	Err  error
}

func (e *DefineError) Error() string {
	return fmt.Sprintf("define domain %s: %v", e.Name, e.Err)
}

func (e *DefineError) Unwrap() error { return e.Err }

// StartError is a hypervisor-reported failure to boot a domain.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start domain %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// UndefineError is a hypervisor-reported failure to remove a domain
// registration. "Already gone" is not an UndefineError.
type UndefineError struct {
	Name string
	Err  error
}

func (e *UndefineError) Error() string {
	return fmt.Sprintf("undefine domain %s: %v", e.Name, e.Err)
}

func (e *UndefineError) Unwrap() error { return e.Err }

// Config holds the host-side paths and defaults the manager works with.
type Config struct {
	BaseImage     string // shared read-only qcow2 all overlays are backed by
	EphemeralRoot string // disk root for ephemeral job VMs
	WorkspaceRoot string // disk root for persistent workspace VMs
	Network       string // libvirt network for workspace NICs, default "default"

	// GracefulStopWait bounds how long a graceful stop polls for guest
	// shutdown before escalating to a forced stop.
	GracefulStopWait time.Duration
}

// Manager drives domain lifecycle against a Hypervisor and the image
// layer. It is safe for concurrent use: all state lives in the
// hypervisor and on disk.
type Manager struct {
	hv     hypervisor.Hypervisor
	images ImageStore
	cfg    Config

	// pollInterval is the step of bounded wait loops (graceful stop,
	// IP resolution). Shortened in tests.
	pollInterval time.Duration
}

// NewManager creates a domain lifecycle manager.
func NewManager(hv hypervisor.Hypervisor, images ImageStore, cfg Config) *Manager {
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.GracefulStopWait <= 0 {
		cfg.GracefulStopWait = 30 * time.Second
	}
	return &Manager{
		hv:           hv,
		images:       images,
		cfg:          cfg,
		pollInterval: time.Second,
	}
}

// LookupByName resolves a domain handle from its name.
func (m *Manager) LookupByName(name string) (hypervisor.Domain, error) {
	return m.hv.LookupByName(name)
}

// RootFor returns the disk root directory for a domain kind.
func (m *Manager) RootFor(kind types.DomainKind) string {
	if kind == types.DomainKindWorkspace {
		return m.cfg.WorkspaceRoot
	}
	return m.cfg.EphemeralRoot
}

// Define builds the domain descriptor and registers it with the
// hypervisor. The disk must already exist. On registration failure the
// just-created disk is deleted so no orphaned overlay is left behind.
func (m *Manager) Define(name, diskPath string, memoryMB, vcpus int, withNetwork bool, kind types.DomainKind) (hypervisor.Domain, error) {
	xmlDesc, err := hypervisor.BuildDomainXML(hypervisor.DomainSpec{
		Name:        name,
		MemoryMB:    memoryMB,
		VCPUs:       vcpus,
		DiskPath:    diskPath,
		WithNetwork: withNetwork,
		Network:     m.cfg.Network,
		Kind:        kind,
	})
	if err != nil {
		return hypervisor.Domain{}, &DefineError{Name: name, Err: err}
	}

	dom, err := m.hv.Define(xmlDesc)
	if err != nil {
		if delErr := m.images.Delete(diskPath, m.RootFor(kind)); delErr != nil {
			log.Printf("virtforge: failed to remove disk %s after define failure: %v", diskPath, delErr)
		}
		return hypervisor.Domain{}, &DefineError{Name: name, Err: err}
	}
	metrics.VMsActive.WithLabelValues(string(kind)).Inc()
	return dom, nil
}

// Start boots a defined domain. Starting an already-running domain is
// a no-op.
func (m *Manager) Start(d hypervisor.Domain) error {
	state, err := m.hv.State(d)
	if err == nil && state == hypervisor.StateRunning {
		return nil
	}
	if err := m.hv.Start(d); err != nil {
		return &StartError{Name: d.Name, Err: err}
	}
	return nil
}

// Stop halts a running domain. With graceful set, a soft power-button
// signal is sent first and the guest is given GracefulStopWait to shut
// down before the stop escalates to a forced destroy. force skips the
// graceful attempt entirely. "Already stopped" is success.
func (m *Manager) Stop(d hypervisor.Domain, force, graceful bool) error {
	state, err := m.hv.State(d)
	if err != nil {
		if errors.Is(err, hypervisor.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("stop domain %s: %w", d.Name, err)
	}
	if state != hypervisor.StateRunning && state != hypervisor.StatePaused {
		return nil
	}

	if graceful && !force {
		if err := m.hv.Shutdown(d); err == nil {
			deadline := time.Now().Add(m.cfg.GracefulStopWait)
			for time.Now().Before(deadline) {
				time.Sleep(m.pollInterval)
				state, err := m.hv.State(d)
				if err != nil || state != hypervisor.StateRunning {
					return nil
				}
			}
			log.Printf("virtforge: domain %s ignored shutdown signal, forcing stop", d.Name)
		}
	}

	if err := m.hv.Destroy(d); err != nil {
		// The guest may have finished shutting down between the state
		// check and the destroy.
		state, stateErr := m.hv.State(d)
		if stateErr == nil && state != hypervisor.StateRunning {
			return nil
		}
		return fmt.Errorf("force stop domain %s: %w", d.Name, err)
	}
	return nil
}

// Undefine removes the domain registration including any saved state.
// A domain that is already gone is success, not an error.
func (m *Manager) Undefine(d hypervisor.Domain) error {
	kind := m.kindOf(d)
	if err := m.hv.Undefine(d); err != nil {
		if errors.Is(err, hypervisor.ErrNotFound) {
			return nil
		}
		return &UndefineError{Name: d.Name, Err: err}
	}
	if kind != "" {
		metrics.VMsActive.WithLabelValues(string(kind)).Dec()
	}
	return nil
}

// kindOf reads the virtforge kind out of a domain's metadata. Empty
// when the domain is gone or carries no virtforge metadata.
func (m *Manager) kindOf(d hypervisor.Domain) types.DomainKind {
	xmlDesc, err := m.hv.XMLDesc(d)
	if err != nil {
		return ""
	}
	meta, err := hypervisor.ParseInstanceMeta(xmlDesc)
	if err != nil {
		return ""
	}
	return meta.Kind
}

// List enumerates domains carrying virtforge metadata, optionally
// filtered by kind. Domains defined outside virtforge are skipped.
func (m *Manager) List(kindFilter types.DomainKind) ([]types.DomainSummary, error) {
	doms, err := m.hv.List()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	var out []types.DomainSummary
	for _, d := range doms {
		xmlDesc, err := m.hv.XMLDesc(d)
		if err != nil {
			continue
		}
		meta, err := hypervisor.ParseInstanceMeta(xmlDesc)
		if err != nil {
			continue
		}
		if kindFilter != "" && meta.Kind != kindFilter {
			continue
		}
		out = append(out, types.DomainSummary{
			ID:       d.Name,
			Kind:     meta.Kind,
			Status:   m.statusOf(d),
			DiskPath: meta.DiskPath,
		})
	}
	return out, nil
}

// Details resolves a domain by name first, then by UUID, and augments
// the result with a live IP lookup when the domain is running.
func (m *Manager) Details(ctx context.Context, idOrUUID string) (*types.DomainDetails, error) {
	d, err := m.hv.LookupByName(idOrUUID)
	if errors.Is(err, hypervisor.ErrNotFound) {
		d, err = m.hv.LookupByUUID(idOrUUID)
	}
	if err != nil {
		return nil, err
	}

	details := &types.DomainDetails{
		ID:     d.Name,
		UUID:   d.UUID,
		Status: m.statusOf(d),
	}
	if xmlDesc, err := m.hv.XMLDesc(d); err == nil {
		if meta, err := hypervisor.ParseInstanceMeta(xmlDesc); err == nil {
			details.Kind = meta.Kind
			details.DiskPath = meta.DiskPath
		}
		if memoryMB, vcpus, err := hypervisor.DomainSizing(xmlDesc); err == nil {
			details.MemoryMB = memoryMB
			details.VCPUs = vcpus
		}
	}
	if details.Status == types.DomainStatusRunning {
		if ip, ok := m.ResolveIP(ctx, d, 5*time.Second, true); ok {
			details.IP = ip
		}
	}
	return details, nil
}

func (m *Manager) statusOf(d hypervisor.Domain) types.DomainStatus {
	state, err := m.hv.State(d)
	if err != nil {
		return types.DomainStatusDefined
	}
	switch state {
	case hypervisor.StateRunning, hypervisor.StatePaused:
		return types.DomainStatusRunning
	case hypervisor.StateShutoff:
		return types.DomainStatusStopped
	}
	return types.DomainStatusDefined
}

// CreateEphemeral provisions an overlay disk and a domain for one job.
// The domain gets a NIC on the NAT network so the SSH channel can reach
// it. The returned disk path is needed by the cleanup path.
func (m *Manager) CreateEphemeral(ctx context.Context, name string, memoryMB, vcpus int) (hypervisor.Domain, string, error) {
	diskPath, err := m.images.CreateOverlay(ctx, name, m.cfg.BaseImage, m.cfg.EphemeralRoot)
	if err != nil {
		return hypervisor.Domain{}, "", err
	}
	dom, err := m.Define(name, diskPath, memoryMB, vcpus, true, types.DomainKindEphemeral)
	if err != nil {
		return hypervisor.Domain{}, "", err
	}
	return dom, diskPath, nil
}

// CreateWorkspace provisions a networked persistent domain. A requested
// name is sanitized into the domain name; empty means a generated one.
// diskSize selects a standalone disk; empty means an overlay of the
// base image.
func (m *Manager) CreateWorkspace(ctx context.Context, requestedName string, memoryMB, vcpus int, diskSize string) (hypervisor.Domain, error) {
	name := "vf-ws-" + uuid.New().String()[:8]
	if s := sanitizeWorkspaceName(requestedName); s != "" {
		name = "vf-ws-" + s
		if _, err := m.hv.LookupByName(name); err == nil {
			return hypervisor.Domain{}, fmt.Errorf("workspace name %q is already in use", requestedName)
		}
	}

	var diskPath string
	var err error
	if diskSize != "" {
		diskPath, err = m.images.CreateStandalone(ctx, name, diskSize, m.cfg.WorkspaceRoot)
	} else {
		diskPath, err = m.images.CreateOverlay(ctx, name, m.cfg.BaseImage, m.cfg.WorkspaceRoot)
	}
	if err != nil {
		return hypervisor.Domain{}, err
	}
	return m.Define(name, diskPath, memoryMB, vcpus, true, types.DomainKindWorkspace)
}

// sanitizeWorkspaceName reduces a user-supplied name to the lowercase
// alphanumeric-and-hyphen set domain names tolerate. Other runs of
// characters collapse to a single hyphen. Empty in, empty out.
func sanitizeWorkspaceName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	hyphen := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		default:
			if !hyphen && b.Len() > 0 {
				b.WriteByte('-')
				hyphen = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 32 {
		s = strings.Trim(s[:32], "-")
	}
	return s
}

// CleanupEphemeral tears down an ephemeral domain and its disk with
// best effort: each step runs regardless of earlier failures so one
// broken step never leaks the remaining resources.
func (m *Manager) CleanupEphemeral(d hypervisor.Domain, diskPath string) {
	leaked := false

	if err := m.Stop(d, true, false); err != nil {
		log.Printf("virtforge: cleanup: stop %s: %v", d.Name, err)
		leaked = true
	}
	if err := m.Undefine(d); err != nil {
		log.Printf("virtforge: cleanup: undefine %s: %v", d.Name, err)
		leaked = true
	}
	if diskPath != "" {
		if err := m.images.Delete(diskPath, m.cfg.EphemeralRoot); err != nil {
			log.Printf("virtforge: cleanup: delete disk %s: %v", diskPath, err)
			leaked = true
		}
	}
	if leaked {
		log.Printf("virtforge: cleanup of %s incomplete, resources may be leaked", d.Name)
	}
}

// DeleteWorkspace stops and undefines a workspace domain, then deletes
// its disk. The domain may already be gone from the hypervisor; the
// delete is idempotent. The disk path is recovered from domain
// metadata when available and falls back to the naming convention,
// and is only deleted if it resolves under the workspace root.
func (m *Manager) DeleteWorkspace(id string) error {
	diskPath := ""

	d, err := m.hv.LookupByName(id)
	switch {
	case err == nil:
		if xmlDesc, xmlErr := m.hv.XMLDesc(d); xmlErr == nil {
			if meta, metaErr := hypervisor.ParseInstanceMeta(xmlDesc); metaErr == nil {
				if meta.Kind != types.DomainKindWorkspace {
					return fmt.Errorf("domain %s is not a workspace", id)
				}
				diskPath = meta.DiskPath
			}
		}
		if stopErr := m.Stop(d, true, false); stopErr != nil {
			log.Printf("virtforge: delete workspace %s: stop: %v", id, stopErr)
		}
		if undefErr := m.Undefine(d); undefErr != nil {
			return undefErr
		}
	case errors.Is(err, hypervisor.ErrNotFound):
		// Already undefined; fall through to the disk delete.
	default:
		return fmt.Errorf("lookup workspace %s: %w", id, err)
	}

	if diskPath == "" {
		if !strings.HasPrefix(id, "vf-ws-") {
			// Without metadata or the naming convention there is no
			// trustworthy disk path to delete.
			return nil
		}
		diskPath = filepath.Join(m.cfg.WorkspaceRoot, id+".qcow2")
	}
	return m.images.Delete(diskPath, m.cfg.WorkspaceRoot)
}
