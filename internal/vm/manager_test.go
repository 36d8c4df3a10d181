package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/image"
	"github.com/virtforge/virtforge/pkg/types"
)

// fakeImages satisfies ImageStore without shelling out to qemu-img.
// Created disks are real temp files so the delete paths behave exactly
// like production; Delete delegates to the real image layer for its
// containment check.
type fakeImages struct {
	real      *image.Manager
	createErr error
}

func (f *fakeImages) create(name, dir string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".qcow2")
	if err := os.WriteFile(path, []byte("qcow2"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeImages) CreateOverlay(_ context.Context, name, _, dir string) (string, error) {
	return f.create(name, dir)
}

func (f *fakeImages) CreateStandalone(_ context.Context, name, _, dir string) (string, error) {
	return f.create(name, dir)
}

func (f *fakeImages) Delete(diskPath, root string) error {
	return f.real.Delete(diskPath, root)
}

func newTestManager(t *testing.T, hv hypervisor.Hypervisor) *Manager {
	t.Helper()
	base := t.TempDir()
	m := NewManager(hv, &fakeImages{real: image.NewManager()}, Config{
		BaseImage:        filepath.Join(base, "base.qcow2"),
		EphemeralRoot:    filepath.Join(base, "ephemeral"),
		WorkspaceRoot:    filepath.Join(base, "workspaces"),
		GracefulStopWait: 50 * time.Millisecond,
	})
	m.pollInterval = 5 * time.Millisecond
	return m
}

func TestDefine_FailureRemovesDisk(t *testing.T) {
	hv := hypervisor.NewMock()
	hv.DefineErr = fmt.Errorf("hypervisor said no")
	m := newTestManager(t, hv)

	diskPath, err := m.images.CreateOverlay(context.Background(), "vf-eph-fail", "", m.cfg.EphemeralRoot)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Define("vf-eph-fail", diskPath, 512, 1, false, types.DomainKindEphemeral)
	var defErr *DefineError
	if !errors.As(err, &defErr) {
		t.Fatalf("expected *DefineError, got %v", err)
	}
	if _, statErr := os.Stat(diskPath); !os.IsNotExist(statErr) {
		t.Error("disk should be removed after define failure (no orphaned disks)")
	}
}

func TestStart_Idempotent(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, _, err := m.CreateEphemeral(context.Background(), "vf-eph-1", 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(dom); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Start(dom); err != nil {
		t.Errorf("Start() on running domain should be a no-op, got %v", err)
	}
}

func TestStop_AlreadyStoppedIsSuccess(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, _, err := m.CreateEphemeral(context.Background(), "vf-eph-1", 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(dom, false, true); err != nil {
		t.Errorf("Stop() on defined-but-never-started domain: %v", err)
	}
	if err := m.Stop(hypervisor.Domain{Name: "never-existed"}, true, false); err != nil {
		t.Errorf("Stop() on missing domain should succeed: %v", err)
	}
}

func TestStop_GracefulEscalatesToForce(t *testing.T) {
	hv := hypervisor.NewMock()
	hv.IgnoreShutdown = true
	m := newTestManager(t, hv)

	dom, _, err := m.CreateEphemeral(context.Background(), "vf-eph-1", 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(dom); err != nil {
		t.Fatal(err)
	}

	if err := m.Stop(dom, false, true); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	state, err := hv.State(dom)
	if err != nil {
		t.Fatal(err)
	}
	if state != hypervisor.StateShutoff {
		t.Errorf("expected shutoff after escalation, got %s", state)
	}
}

func TestUndefine_AlreadyGoneIsSuccess(t *testing.T) {
	m := newTestManager(t, hypervisor.NewMock())
	if err := m.Undefine(hypervisor.Domain{Name: "gone"}); err != nil {
		t.Errorf("Undefine() of missing domain should succeed: %v", err)
	}
}

func TestList_FiltersByKindAndSkipsForeignDomains(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	if _, _, err := m.CreateEphemeral(context.Background(), "vf-eph-1", 512, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateWorkspace(context.Background(), "", 1024, 2, ""); err != nil {
		t.Fatal(err)
	}
	// A domain defined outside virtforge carries no metadata.
	if _, err := hv.Define(`<domain type="kvm"><name>foreign-vm</name></domain>`); err != nil {
		t.Fatal(err)
	}

	all, err := m.List("")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 virtforge domains, got %d", len(all))
	}

	workspaces, err := m.List(types.DomainKindWorkspace)
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 1 || workspaces[0].Kind != types.DomainKindWorkspace {
		t.Errorf("expected exactly the workspace domain, got %+v", workspaces)
	}
}

func TestDetails_ResolvesNameThenUUID(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, err := m.CreateWorkspace(context.Background(), "", 1024, 2, "")
	if err != nil {
		t.Fatal(err)
	}

	byName, err := m.Details(context.Background(), dom.Name)
	if err != nil {
		t.Fatalf("Details(name) error: %v", err)
	}
	if byName.Kind != types.DomainKindWorkspace || byName.Status != types.DomainStatusStopped {
		t.Errorf("unexpected details: %+v", byName)
	}
	if byName.MemoryMB != 1024 || byName.VCPUs != 2 {
		t.Errorf("sizing not recovered from descriptor: %d MB / %d vcpus", byName.MemoryMB, byName.VCPUs)
	}

	byUUID, err := m.Details(context.Background(), dom.UUID)
	if err != nil {
		t.Fatalf("Details(uuid) error: %v", err)
	}
	if byUUID.ID != dom.Name {
		t.Errorf("expected UUID lookup to resolve %s, got %s", dom.Name, byUUID.ID)
	}

	if _, err := m.Details(context.Background(), "nope"); !errors.Is(err, hypervisor.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateWorkspace_RequestedName(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, err := m.CreateWorkspace(context.Background(), "Dev Box #1", 1024, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if dom.Name != "vf-ws-dev-box-1" {
		t.Errorf("name not sanitized into the domain name: %q", dom.Name)
	}

	// Same name again must be refused, not silently renamed.
	if _, err := m.CreateWorkspace(context.Background(), "dev box 1", 1024, 2, ""); err == nil {
		t.Error("expected duplicate name to be refused")
	}

	// A name with nothing usable falls back to a generated one.
	dom2, err := m.CreateWorkspace(context.Background(), "!!!", 1024, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(dom2.Name) != len("vf-ws-")+8 {
		t.Errorf("expected generated name, got %q", dom2.Name)
	}
}

func TestSanitizeWorkspaceName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"dev", "dev"},
		{"Dev Box #1", "dev-box-1"},
		{"  spaced  ", "spaced"},
		{"---", ""},
		{"", ""},
		{"UPPER_case.mix", "upper-case-mix"},
	}
	for _, c := range cases {
		if got := sanitizeWorkspaceName(c.in); got != c.want {
			t.Errorf("sanitizeWorkspaceName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCleanupEphemeral_Unconditional(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, diskPath, err := m.CreateEphemeral(context.Background(), "vf-eph-1", 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(dom); err != nil {
		t.Fatal(err)
	}

	m.CleanupEphemeral(dom, diskPath)

	if hv.DomainCount() != 0 {
		t.Error("expected domain to be undefined after cleanup")
	}
	if _, err := os.Stat(diskPath); !os.IsNotExist(err) {
		t.Error("expected overlay disk to be removed after cleanup")
	}

	// Cleanup of an already-cleaned VM must not panic or fail loudly.
	m.CleanupEphemeral(dom, diskPath)
}

func TestDeleteWorkspace_Idempotent(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	dom, err := m.CreateWorkspace(context.Background(), "", 1024, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	details, err := m.Details(context.Background(), dom.Name)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteWorkspace(dom.Name); err != nil {
		t.Fatalf("DeleteWorkspace() error: %v", err)
	}
	if _, err := m.Details(context.Background(), dom.Name); !errors.Is(err, hypervisor.ErrNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
	if _, err := os.Stat(details.DiskPath); !os.IsNotExist(err) {
		t.Error("expected workspace disk to be removed")
	}

	// Second delete is success, not an error.
	if err := m.DeleteWorkspace(dom.Name); err != nil {
		t.Errorf("second DeleteWorkspace() should succeed, got %v", err)
	}
}

func TestDeleteWorkspace_FallsBackToNamingConvention(t *testing.T) {
	hv := hypervisor.NewMock()
	m := newTestManager(t, hv)

	// Domain already undefined, but its disk lingers in the workspace root.
	if err := os.MkdirAll(m.cfg.WorkspaceRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	disk := filepath.Join(m.cfg.WorkspaceRoot, "vf-ws-orphan.qcow2")
	if err := os.WriteFile(disk, []byte("qcow2"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteWorkspace("vf-ws-orphan"); err != nil {
		t.Fatalf("DeleteWorkspace() error: %v", err)
	}
	if _, err := os.Stat(disk); !os.IsNotExist(err) {
		t.Error("expected orphaned disk to be removed via naming convention")
	}
}
