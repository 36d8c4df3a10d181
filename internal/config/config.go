package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the virtforge server.
type Config struct {
	Port   int
	APIKey string

	// Hypervisor
	LibvirtSocket string // libvirt control socket; empty selects the in-memory hypervisor
	Network       string // libvirt network domains attach to

	// Disk images
	BaseImage     string // shared read-only qcow2 backing all overlays
	EphemeralRoot string // disk root for ephemeral job VMs
	WorkspaceRoot string // disk root for persistent workspace VMs
	QemuImg       string // qemu-img binary

	// Job orchestration
	MaxConcurrentVMs     int
	JobQueueSize         int
	VMReadyTimeout       time.Duration
	OrchestrationTimeout time.Duration

	// SSH access into VMs
	SSHUser    string
	SSHKeyPath string
	SSHPort    int

	// Data
	DataDir string // SQLite job history lives here

	// Workspace resource defaults (overridable per-workspace via API)
	DefaultWorkspaceMemoryMB int
	DefaultWorkspaceVCPUs    int
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   8080,
		APIKey: os.Getenv("VIRTFORGE_API_KEY"),

		LibvirtSocket: envOrDefault("VIRTFORGE_LIBVIRT_SOCKET", "/var/run/libvirt/libvirt-sock"),
		Network:       envOrDefault("VIRTFORGE_NETWORK", "default"),

		BaseImage:     envOrDefault("VIRTFORGE_BASE_IMAGE", "/var/lib/virtforge/base.qcow2"),
		EphemeralRoot: envOrDefault("VIRTFORGE_EPHEMERAL_ROOT", "/var/lib/virtforge/ephemeral"),
		WorkspaceRoot: envOrDefault("VIRTFORGE_WORKSPACE_ROOT", "/var/lib/virtforge/workspaces"),
		QemuImg:       envOrDefault("VIRTFORGE_QEMU_IMG", "qemu-img"),

		MaxConcurrentVMs:     envOrDefaultInt("VIRTFORGE_MAX_CONCURRENT_VMS", 3),
		JobQueueSize:         envOrDefaultInt("VIRTFORGE_JOB_QUEUE_SIZE", 100),
		VMReadyTimeout:       envOrDefaultDuration("VIRTFORGE_VM_READY_TIMEOUT", 60*time.Second),
		OrchestrationTimeout: envOrDefaultDuration("VIRTFORGE_ORCHESTRATION_TIMEOUT", 300*time.Second),

		SSHUser:    envOrDefault("VIRTFORGE_SSH_USER", "sandbox"),
		SSHKeyPath: envOrDefault("VIRTFORGE_SSH_KEY_PATH", "/etc/virtforge/id_ed25519"),
		SSHPort:    envOrDefaultInt("VIRTFORGE_SSH_PORT", 22),

		DataDir: envOrDefault("VIRTFORGE_DATA_DIR", "/var/lib/virtforge/data"),

		DefaultWorkspaceMemoryMB: envOrDefaultInt("VIRTFORGE_DEFAULT_WORKSPACE_MEMORY_MB", 1024),
		DefaultWorkspaceVCPUs:    envOrDefaultInt("VIRTFORGE_DEFAULT_WORKSPACE_VCPUS", 1),
	}

	if portStr := os.Getenv("VIRTFORGE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid VIRTFORGE_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.MaxConcurrentVMs < 1 {
		return nil, fmt.Errorf("VIRTFORGE_MAX_CONCURRENT_VMS must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
