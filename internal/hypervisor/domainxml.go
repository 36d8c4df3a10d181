package hypervisor

import (
	"encoding/xml"
	"fmt"

	"github.com/virtforge/virtforge/pkg/types"
)

// MetadataNS is the XML namespace for virtforge's domain metadata
// side-channel. Libvirt preserves namespaced elements under <metadata>
// verbatim, which lets us tag each domain with its kind and disk path
// and recover them later without a side database.
const MetadataNS = "https://virtforge.dev/xmlns/instance/1.0"

// DomainSpec is the declarative description a domain is built from.
type DomainSpec struct {
	Name        string
	MemoryMB    int
	VCPUs       int
	DiskPath    string
	WithNetwork bool
	Network     string // libvirt network name, e.g. "default"
	Kind        types.DomainKind
}

// InstanceMeta is the metadata recovered from a domain descriptor.
type InstanceMeta struct {
	Kind     types.DomainKind
	DiskPath string
}

type instanceXML struct {
	XMLName xml.Name `xml:"https://virtforge.dev/xmlns/instance/1.0 instance"`
	Kind    string   `xml:"kind"`
	Disk    string   `xml:"disk"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type osTypeXML struct {
	Arch  string `xml:"arch,attr"`
	Value string `xml:",chardata"`
}

type bootXML struct {
	Dev string `xml:"dev,attr"`
}

type osXML struct {
	Type osTypeXML `xml:"type"`
	Boot bootXML   `xml:"boot"`
}

type driverXML struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type diskXML struct {
	Type   string        `xml:"type,attr"`
	Device string        `xml:"device,attr"`
	Driver driverXML     `xml:"driver"`
	Source diskSourceXML `xml:"source"`
	Target diskTargetXML `xml:"target"`
}

type ifaceSourceXML struct {
	Network string `xml:"network,attr"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type modelXML struct {
	Type string `xml:"type,attr"`
}

type interfaceXML struct {
	Type   string         `xml:"type,attr"`
	MAC    *macXML        `xml:"mac,omitempty"`
	Source ifaceSourceXML `xml:"source"`
	Model  modelXML       `xml:"model"`
}

type channelTargetXML struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name,attr"`
}

type channelXML struct {
	Type   string           `xml:"type,attr"`
	Target channelTargetXML `xml:"target"`
}

type consoleXML struct {
	Type string `xml:"type,attr"`
}

type devicesXML struct {
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	Channels   []channelXML   `xml:"channel"`
	Console    consoleXML     `xml:"console"`
}

type metadataXML struct {
	Instance *instanceXML `xml:"https://virtforge.dev/xmlns/instance/1.0 instance"`
}

type featuresXML struct {
	ACPI *struct{} `xml:"acpi"`
}

type domainXML struct {
	XMLName  xml.Name    `xml:"domain"`
	Type     string      `xml:"type,attr"`
	Name     string      `xml:"name"`
	UUID     string      `xml:"uuid,omitempty"`
	Metadata metadataXML `xml:"metadata"`
	Memory   memoryXML   `xml:"memory"`
	VCPU     int         `xml:"vcpu"`
	OS       osXML       `xml:"os"`
	Features featuresXML `xml:"features"`
	Devices  devicesXML  `xml:"devices"`
}

// BuildDomainXML renders a DomainSpec into a libvirt domain descriptor.
// The guest-agent channel is always present so the IP resolver can use
// the agent path; the NIC is only attached when the spec asks for one.
func BuildDomainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("domain spec: name is required")
	}
	if spec.DiskPath == "" {
		return "", fmt.Errorf("domain spec %s: disk path is required", spec.Name)
	}

	d := domainXML{
		Type: "kvm",
		Name: spec.Name,
		Metadata: metadataXML{
			Instance: &instanceXML{
				Kind: string(spec.Kind),
				Disk: spec.DiskPath,
			},
		},
		Memory: memoryXML{Unit: "MiB", Value: spec.MemoryMB},
		VCPU:   spec.VCPUs,
		OS: osXML{
			Type: osTypeXML{Arch: "x86_64", Value: "hvm"},
			Boot: bootXML{Dev: "hd"},
		},
		Features: featuresXML{ACPI: &struct{}{}},
		Devices: devicesXML{
			Disks: []diskXML{{
				Type:   "file",
				Device: "disk",
				Driver: driverXML{Name: "qemu", Type: "qcow2"},
				Source: diskSourceXML{File: spec.DiskPath},
				Target: diskTargetXML{Dev: "vda", Bus: "virtio"},
			}},
			Channels: []channelXML{{
				Type: "unix",
				Target: channelTargetXML{
					Type: "virtio",
					Name: "org.qemu.guest_agent.0",
				},
			}},
			Console: consoleXML{Type: "pty"},
		},
	}

	if spec.WithNetwork {
		network := spec.Network
		if network == "" {
			network = "default"
		}
		d.Devices.Interfaces = []interfaceXML{{
			Type:   "network",
			Source: ifaceSourceXML{Network: network},
			Model:  modelXML{Type: "virtio"},
		}}
	}

	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal domain XML for %s: %w", spec.Name, err)
	}
	return string(out), nil
}

// ParseInstanceMeta extracts virtforge's metadata tags from a domain
// descriptor. This is the only place descriptor XML is parsed for
// provenance; other components go through this accessor.
func ParseInstanceMeta(xmlDesc string) (InstanceMeta, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(xmlDesc), &d); err != nil {
		return InstanceMeta{}, fmt.Errorf("parse domain XML: %w", err)
	}
	if d.Metadata.Instance == nil {
		return InstanceMeta{}, fmt.Errorf("domain %s carries no virtforge metadata", d.Name)
	}
	return InstanceMeta{
		Kind:     types.DomainKind(d.Metadata.Instance.Kind),
		DiskPath: d.Metadata.Instance.Disk,
	}, nil
}

// DomainSizing returns the domain's memory in MiB and its vcpu count.
// Libvirt may report memory in KiB even when it was defined in MiB,
// so the unit attribute is normalized.
func DomainSizing(xmlDesc string) (memoryMB, vcpus int, err error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(xmlDesc), &d); err != nil {
		return 0, 0, fmt.Errorf("parse domain XML: %w", err)
	}
	switch d.Memory.Unit {
	case "KiB":
		memoryMB = d.Memory.Value / 1024
	case "GiB":
		memoryMB = d.Memory.Value * 1024
	case "b", "bytes":
		memoryMB = d.Memory.Value / (1024 * 1024)
	default:
		memoryMB = d.Memory.Value
	}
	return memoryMB, d.VCPU, nil
}

// MACAddress returns the MAC of the domain's first network interface,
// or "" if the domain has no NIC.
func MACAddress(xmlDesc string) (string, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(xmlDesc), &d); err != nil {
		return "", fmt.Errorf("parse domain XML: %w", err)
	}
	for _, iface := range d.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			return iface.MAC.Address, nil
		}
	}
	return "", nil
}
