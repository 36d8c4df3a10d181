// Package hypervisor abstracts the VM control interface behind a small
// capability surface. Upper layers (vm.Manager, the job pipeline, the
// terminal bridge) depend on this interface, not on a concrete
// implementation. This allows swapping the backend (libvirt/KVM in
// production, an in-memory mock in tests and on hosts without libvirt)
// without changing callers.
package hypervisor

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no domain matches.
var ErrNotFound = errors.New("domain not found")

// ErrAgentUnavailable is returned by GuestAgentIPs when the in-guest
// agent is not responding. Callers treat this as "not ready yet", not
// as a failure.
var ErrAgentUnavailable = errors.New("guest agent unavailable")

// DomainState is the coarse run state of a domain.
type DomainState int

const (
	StateUnknown DomainState = iota
	StateRunning
	StatePaused
	StateShutoff
)

func (s DomainState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutoff:
		return "shutoff"
	}
	return "unknown"
}

// Domain is an opaque handle to a defined VM.
type Domain struct {
	Name string
	UUID string
}

// Lease is one entry of a virtual network's DHCP lease table.
type Lease struct {
	MAC       string
	IP        string
	ExpiresAt time.Time
}

// Hypervisor is the control interface the rest of the system uses to
// manage VM domains.
type Hypervisor interface {
	// Define registers a domain from its XML descriptor.
	Define(xmlDesc string) (Domain, error)
	// Start boots a defined domain.
	Start(d Domain) error
	// Shutdown sends a soft power-button signal to the guest.
	Shutdown(d Domain) error
	// Destroy force-stops the domain immediately.
	Destroy(d Domain) error
	// Undefine removes the domain registration, including any managed
	// save state.
	Undefine(d Domain) error
	// State reports the domain's current run state.
	State(d Domain) (DomainState, error)
	// XMLDesc returns the domain's live XML descriptor.
	XMLDesc(d Domain) (string, error)

	LookupByName(name string) (Domain, error)
	LookupByUUID(uuid string) (Domain, error)
	List() ([]Domain, error)

	// GuestAgentIPs queries the in-guest agent for the domain's
	// interface addresses. Returns ErrAgentUnavailable while the agent
	// is not yet responding.
	GuestAgentIPs(d Domain) ([]string, error)
	// DHCPLeases returns the lease table of a virtual network.
	DHCPLeases(network string) ([]Lease, error)

	Close() error
}
