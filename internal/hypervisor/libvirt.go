package hypervisor

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
)

// Libvirt is the production Hypervisor backed by the libvirt daemon
// over its local UNIX socket.
type Libvirt struct {
	conn *libvirt.Libvirt
}

// Compile-time check that Libvirt implements Hypervisor.
var _ Hypervisor = (*Libvirt)(nil)

// ConnectLibvirt dials the libvirt daemon. socketPath may be empty to
// use the default system socket.
func ConnectLibvirt(socketPath string) (*Libvirt, error) {
	var opts []dialers.LocalOption
	if socketPath != "" {
		opts = append(opts, dialers.WithSocket(socketPath))
	}
	conn := libvirt.NewWithDialer(dialers.NewLocal(opts...))
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirt: %w", err)
	}
	return &Libvirt{conn: conn}, nil
}

func (h *Libvirt) Close() error {
	return h.conn.Disconnect()
}

func toDomain(d libvirt.Domain) Domain {
	u, err := uuid.FromBytes(d.UUID[:])
	if err != nil {
		return Domain{Name: d.Name}
	}
	return Domain{Name: d.Name, UUID: u.String()}
}

// isNoDomain reports whether err is libvirt's "domain not found".
func isNoDomain(err error) bool {
	lverr, ok := err.(libvirt.Error)
	return ok && lverr.Code == uint32(libvirt.ErrNoDomain)
}

func (h *Libvirt) resolve(d Domain) (libvirt.Domain, error) {
	dom, err := h.conn.DomainLookupByName(d.Name)
	if err != nil {
		if isNoDomain(err) {
			return libvirt.Domain{}, ErrNotFound
		}
		return libvirt.Domain{}, err
	}
	return dom, nil
}

func (h *Libvirt) Define(xmlDesc string) (Domain, error) {
	dom, err := h.conn.DomainDefineXML(xmlDesc)
	if err != nil {
		return Domain{}, fmt.Errorf("define domain: %w", err)
	}
	return toDomain(dom), nil
}

func (h *Libvirt) Start(d Domain) error {
	dom, err := h.resolve(d)
	if err != nil {
		return err
	}
	return h.conn.DomainCreate(dom)
}

func (h *Libvirt) Shutdown(d Domain) error {
	dom, err := h.resolve(d)
	if err != nil {
		return err
	}
	return h.conn.DomainShutdown(dom)
}

func (h *Libvirt) Destroy(d Domain) error {
	dom, err := h.resolve(d)
	if err != nil {
		return err
	}
	return h.conn.DomainDestroy(dom)
}

func (h *Libvirt) Undefine(d Domain) error {
	dom, err := h.resolve(d)
	if err != nil {
		return err
	}
	return h.conn.DomainUndefineFlags(dom,
		libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineNvram)
}

func (h *Libvirt) State(d Domain) (DomainState, error) {
	dom, err := h.resolve(d)
	if err != nil {
		return StateUnknown, err
	}
	state, _, err := h.conn.DomainGetState(dom, 0)
	if err != nil {
		return StateUnknown, err
	}
	// Libvirt state codes: 1=running, 3=paused, 5=shutoff.
	switch state {
	case 1:
		return StateRunning, nil
	case 3:
		return StatePaused, nil
	case 4, 5, 6:
		return StateShutoff, nil
	}
	return StateUnknown, nil
}

func (h *Libvirt) XMLDesc(d Domain) (string, error) {
	dom, err := h.resolve(d)
	if err != nil {
		return "", err
	}
	return h.conn.DomainGetXMLDesc(dom, 0)
}

func (h *Libvirt) LookupByName(name string) (Domain, error) {
	dom, err := h.conn.DomainLookupByName(name)
	if err != nil {
		if isNoDomain(err) {
			return Domain{}, ErrNotFound
		}
		return Domain{}, err
	}
	return toDomain(dom), nil
}

func (h *Libvirt) LookupByUUID(id string) (Domain, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Domain{}, fmt.Errorf("invalid domain UUID %q: %w", id, err)
	}
	var raw libvirt.UUID
	copy(raw[:], parsed[:])
	dom, err := h.conn.DomainLookupByUUID(raw)
	if err != nil {
		if isNoDomain(err) {
			return Domain{}, ErrNotFound
		}
		return Domain{}, err
	}
	return toDomain(dom), nil
}

func (h *Libvirt) List() ([]Domain, error) {
	doms, _, err := h.conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]Domain, 0, len(doms))
	for _, d := range doms {
		out = append(out, toDomain(d))
	}
	return out, nil
}

func (h *Libvirt) GuestAgentIPs(d Domain) ([]string, error) {
	dom, err := h.resolve(d)
	if err != nil {
		return nil, err
	}
	ifaces, err := h.conn.DomainInterfaceAddresses(dom,
		uint32(libvirt.DomainInterfaceAddressesSrcAgent), 0)
	if err != nil {
		// The agent channel reports an error until the guest agent is
		// up; surface that as "not ready" rather than a hard failure.
		return nil, ErrAgentUnavailable
	}
	var addrs []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			addrs = append(addrs, addr.Addr)
		}
	}
	return addrs, nil
}

func (h *Libvirt) DHCPLeases(network string) ([]Lease, error) {
	net, err := h.conn.NetworkLookupByName(network)
	if err != nil {
		return nil, fmt.Errorf("lookup network %s: %w", network, err)
	}
	leases, _, err := h.conn.NetworkGetDhcpLeases(net, nil, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("dhcp leases for %s: %w", network, err)
	}
	out := make([]Lease, 0, len(leases))
	for _, l := range leases {
		lease := Lease{
			IP:        l.Ipaddr,
			ExpiresAt: time.Unix(l.Expirytime, 0),
		}
		if len(l.Mac) > 0 {
			lease.MAC = l.Mac[0]
		}
		out = append(out, lease)
	}
	return out, nil
}
