package hypervisor

import (
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-memory Hypervisor used in tests and on hosts without a
// libvirt daemon. Domains exist only as their stored descriptors plus a
// run state; agent IPs and DHCP leases are injected by the test.
type Mock struct {
	mu      sync.Mutex
	domains map[string]*mockDomain
	leases  map[string][]Lease

	// AgentIPs maps domain name to the addresses the fake guest agent
	// reports. A domain with no entry reports ErrAgentUnavailable.
	AgentIPs map[string][]string

	// Failure injection. When set, the corresponding call fails.
	DefineErr error
	StartErr  error

	// IgnoreShutdown simulates a guest that never reacts to the soft
	// power-button signal.
	IgnoreShutdown bool
}

type mockDomain struct {
	name    string
	uuid    string
	xmlDesc string
	state   DomainState
}

var _ Hypervisor = (*Mock)(nil)

// NewMock creates an empty in-memory hypervisor.
func NewMock() *Mock {
	return &Mock{
		domains:  make(map[string]*mockDomain),
		leases:   make(map[string][]Lease),
		AgentIPs: make(map[string][]string),
	}
}

// AddLease seeds a DHCP lease on the named network.
func (m *Mock) AddLease(network string, lease Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[network] = append(m.leases[network], lease)
}

// DomainCount returns the number of defined domains.
func (m *Mock) DomainCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.domains)
}

func (m *Mock) Define(xmlDesc string) (Domain, error) {
	if m.DefineErr != nil {
		return Domain{}, m.DefineErr
	}
	var probe struct {
		XMLName xml.Name `xml:"domain"`
		Name    string   `xml:"name"`
	}
	if err := xml.Unmarshal([]byte(xmlDesc), &probe); err != nil {
		return Domain{}, fmt.Errorf("define: bad descriptor: %w", err)
	}
	if probe.Name == "" {
		return Domain{}, fmt.Errorf("define: descriptor has no name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.domains[probe.Name]; ok {
		// Redefining updates the descriptor, like libvirt.
		existing.xmlDesc = xmlDesc
		return Domain{Name: existing.name, UUID: existing.uuid}, nil
	}
	d := &mockDomain{
		name:    probe.Name,
		uuid:    uuid.New().String(),
		xmlDesc: xmlDesc,
		state:   StateShutoff,
	}
	m.domains[probe.Name] = d
	return Domain{Name: d.name, UUID: d.uuid}, nil
}

func (m *Mock) get(d Domain) (*mockDomain, error) {
	md, ok := m.domains[d.Name]
	if !ok {
		return nil, ErrNotFound
	}
	return md, nil
}

func (m *Mock) Start(d Domain) error {
	if m.StartErr != nil {
		return m.StartErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.get(d)
	if err != nil {
		return err
	}
	md.state = StateRunning
	return nil
}

func (m *Mock) Shutdown(d Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.get(d)
	if err != nil {
		return err
	}
	if !m.IgnoreShutdown {
		md.state = StateShutoff
	}
	return nil
}

func (m *Mock) Destroy(d Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.get(d)
	if err != nil {
		return err
	}
	md.state = StateShutoff
	return nil
}

func (m *Mock) Undefine(d Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[d.Name]; !ok {
		return ErrNotFound
	}
	delete(m.domains, d.Name)
	return nil
}

func (m *Mock) State(d Domain) (DomainState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.get(d)
	if err != nil {
		return StateUnknown, err
	}
	return md.state, nil
}

func (m *Mock) XMLDesc(d Domain) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.get(d)
	if err != nil {
		return "", err
	}
	return md.xmlDesc, nil
}

func (m *Mock) LookupByName(name string) (Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.domains[name]
	if !ok {
		return Domain{}, ErrNotFound
	}
	return Domain{Name: md.name, UUID: md.uuid}, nil
}

func (m *Mock) LookupByUUID(id string) (Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, md := range m.domains {
		if md.uuid == id {
			return Domain{Name: md.name, UUID: md.uuid}, nil
		}
	}
	return Domain{}, ErrNotFound
}

func (m *Mock) List() ([]Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Domain, 0, len(m.domains))
	for _, md := range m.domains {
		out = append(out, Domain{Name: md.name, UUID: md.uuid})
	}
	return out, nil
}

func (m *Mock) GuestAgentIPs(d Domain) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(d); err != nil {
		return nil, err
	}
	ips, ok := m.AgentIPs[d.Name]
	if !ok {
		return nil, ErrAgentUnavailable
	}
	return ips, nil
}

func (m *Mock) DHCPLeases(network string) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[network], nil
}

func (m *Mock) Close() error { return nil }
