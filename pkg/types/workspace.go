package types

// DomainKind distinguishes short-lived job VMs from persistent workspaces.
type DomainKind string

const (
	DomainKindEphemeral DomainKind = "ephemeral"
	DomainKindWorkspace DomainKind = "workspace"
)

// DomainStatus is the lifecycle state of a VM domain.
type DomainStatus string

const (
	DomainStatusDefined DomainStatus = "defined"
	DomainStatusRunning DomainStatus = "running"
	DomainStatusStopped DomainStatus = "stopped"
)

// WorkspaceRequest is the request body for creating a workspace VM.
type WorkspaceRequest struct {
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	VCPUs    int    `json:"vcpus,omitempty"`
	// DiskSize creates a standalone disk of the given size (e.g. "10G")
	// instead of an overlay on the shared base image.
	DiskSize string `json:"disk_size,omitempty"`
}

// WorkspaceCreateResponse is returned from POST /v1/workspaces.
type WorkspaceCreateResponse struct {
	WorkspaceID string `json:"workspace_id"`
}

// DomainSummary is one row of a domain listing.
type DomainSummary struct {
	ID       string       `json:"id"`
	Kind     DomainKind   `json:"kind"`
	Status   DomainStatus `json:"status"`
	DiskPath string       `json:"disk_path,omitempty"`
}

// DomainDetails is the full view of one domain, including a live IP
// lookup when the domain is running.
type DomainDetails struct {
	ID       string       `json:"id"`
	UUID     string       `json:"uuid,omitempty"`
	Kind     DomainKind   `json:"kind"`
	Status   DomainStatus `json:"status"`
	DiskPath string       `json:"disk_path,omitempty"`
	MemoryMB int          `json:"memory_mb,omitempty"`
	VCPUs    int          `json:"vcpus,omitempty"`
	IP       string       `json:"ip,omitempty"`
}

// WorkspaceListResponse is the response for listing workspaces.
type WorkspaceListResponse struct {
	Workspaces []DomainSummary `json:"workspaces"`
}
