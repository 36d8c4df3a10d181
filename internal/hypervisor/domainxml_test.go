package hypervisor

import (
	"strings"
	"testing"

	"github.com/virtforge/virtforge/pkg/types"
)

func TestBuildDomainXML_EphemeralHasNoNIC(t *testing.T) {
	out, err := BuildDomainXML(DomainSpec{
		Name:     "vf-eph-abc12345",
		MemoryMB: 512,
		VCPUs:    1,
		DiskPath: "/var/lib/virtforge/ephemeral/vf-eph-abc12345.qcow2",
		Kind:     types.DomainKindEphemeral,
	})
	if err != nil {
		t.Fatalf("BuildDomainXML() error: %v", err)
	}
	if strings.Contains(out, "<interface") {
		t.Errorf("ephemeral domain should have no NIC, got:\n%s", out)
	}
	if !strings.Contains(out, "org.qemu.guest_agent.0") {
		t.Errorf("expected guest agent channel in descriptor:\n%s", out)
	}
	if !strings.Contains(out, `unit="MiB"`) || !strings.Contains(out, ">512<") {
		t.Errorf("expected 512 MiB memory element:\n%s", out)
	}
}

func TestBuildDomainXML_WorkspaceHasNIC(t *testing.T) {
	out, err := BuildDomainXML(DomainSpec{
		Name:        "vf-ws-abc12345",
		MemoryMB:    1024,
		VCPUs:       2,
		DiskPath:    "/var/lib/virtforge/workspaces/vf-ws-abc12345.qcow2",
		WithNetwork: true,
		Kind:        types.DomainKindWorkspace,
	})
	if err != nil {
		t.Fatalf("BuildDomainXML() error: %v", err)
	}
	if !strings.Contains(out, `network="default"`) {
		t.Errorf("expected default network interface:\n%s", out)
	}
}

func TestBuildDomainXML_Validation(t *testing.T) {
	if _, err := BuildDomainXML(DomainSpec{DiskPath: "/x.qcow2"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := BuildDomainXML(DomainSpec{Name: "vf-eph-x"}); err == nil {
		t.Error("expected error for missing disk path")
	}
}

func TestInstanceMeta_RoundTrip(t *testing.T) {
	spec := DomainSpec{
		Name:     "vf-ws-meta",
		MemoryMB: 1024,
		VCPUs:    2,
		DiskPath: "/var/lib/virtforge/workspaces/vf-ws-meta.qcow2",
		Kind:     types.DomainKindWorkspace,
	}
	out, err := BuildDomainXML(spec)
	if err != nil {
		t.Fatalf("BuildDomainXML() error: %v", err)
	}

	meta, err := ParseInstanceMeta(out)
	if err != nil {
		t.Fatalf("ParseInstanceMeta() error: %v", err)
	}
	if meta.Kind != types.DomainKindWorkspace {
		t.Errorf("expected kind workspace, got %s", meta.Kind)
	}
	if meta.DiskPath != spec.DiskPath {
		t.Errorf("expected disk path %s, got %s", spec.DiskPath, meta.DiskPath)
	}
}

func TestDomainSizing(t *testing.T) {
	out, err := BuildDomainXML(DomainSpec{
		Name:     "vf-ws-size",
		MemoryMB: 2048,
		VCPUs:    4,
		DiskPath: "/var/lib/virtforge/workspaces/vf-ws-size.qcow2",
		Kind:     types.DomainKindWorkspace,
	})
	if err != nil {
		t.Fatal(err)
	}
	memoryMB, vcpus, err := DomainSizing(out)
	if err != nil {
		t.Fatalf("DomainSizing() error: %v", err)
	}
	if memoryMB != 2048 || vcpus != 4 {
		t.Errorf("expected 2048 MB / 4 vcpus, got %d / %d", memoryMB, vcpus)
	}

	// Live descriptors from libvirt report memory in KiB.
	kib := `<domain type="kvm"><name>vf-ws-kib</name><memory unit="KiB">1048576</memory><vcpu>2</vcpu></domain>`
	memoryMB, vcpus, err = DomainSizing(kib)
	if err != nil {
		t.Fatal(err)
	}
	if memoryMB != 1024 || vcpus != 2 {
		t.Errorf("KiB descriptor: expected 1024 MB / 2 vcpus, got %d / %d", memoryMB, vcpus)
	}
}

func TestParseInstanceMeta_ForeignDomain(t *testing.T) {
	// A domain defined outside virtforge carries no metadata tags.
	xmlDesc := `<domain type="kvm"><name>someone-elses-vm</name></domain>`
	if _, err := ParseInstanceMeta(xmlDesc); err == nil {
		t.Error("expected error for domain without virtforge metadata")
	}
}

func TestMACAddress(t *testing.T) {
	xmlDesc := `<domain type="kvm">
  <name>vf-ws-mac</name>
  <devices>
    <interface type="network">
      <mac address="52:54:00:aa:bb:cc"/>
      <source network="default"/>
      <model type="virtio"/>
    </interface>
  </devices>
</domain>`
	mac, err := MACAddress(xmlDesc)
	if err != nil {
		t.Fatalf("MACAddress() error: %v", err)
	}
	if mac != "52:54:00:aa:bb:cc" {
		t.Errorf("expected 52:54:00:aa:bb:cc, got %q", mac)
	}

	noNIC := `<domain type="kvm"><name>vf-eph-x</name><devices/></domain>`
	mac, err = MACAddress(noNIC)
	if err != nil {
		t.Fatalf("MACAddress() error: %v", err)
	}
	if mac != "" {
		t.Errorf("expected empty MAC for NIC-less domain, got %q", mac)
	}
}
