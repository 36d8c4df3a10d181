package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virtforge/virtforge/internal/api"
	"github.com/virtforge/virtforge/internal/config"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/image"
	"github.com/virtforge/virtforge/internal/jobs"
	"github.com/virtforge/virtforge/internal/sshexec"
	"github.com/virtforge/virtforge/internal/terminal"
	"github.com/virtforge/virtforge/internal/vm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	for _, dir := range []string{cfg.EphemeralRoot, cfg.WorkspaceRoot, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	// Connect to libvirt; fall back to the in-memory hypervisor so the
	// API surface stays usable on machines without virtualization.
	var hv hypervisor.Hypervisor
	lv, err := hypervisor.ConnectLibvirt(cfg.LibvirtSocket)
	if err != nil {
		log.Printf("virtforge: libvirt unavailable at %s, using in-memory hypervisor: %v", cfg.LibvirtSocket, err)
		hv = hypervisor.NewMock()
	} else {
		log.Printf("virtforge: connected to libvirt at %s", cfg.LibvirtSocket)
		hv = lv
	}
	defer hv.Close()

	images := image.NewManager()
	images.QemuImg = cfg.QemuImg
	vms := vm.NewManager(hv, images, vm.Config{
		BaseImage:     cfg.BaseImage,
		EphemeralRoot: cfg.EphemeralRoot,
		WorkspaceRoot: cfg.WorkspaceRoot,
		Network:       cfg.Network,
	})

	history, err := jobs.OpenHistory(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open job history: %v", err)
	}
	defer history.Close()

	sshCfg := sshexec.Config{
		User:    cfg.SSHUser,
		KeyPath: cfg.SSHKeyPath,
		Port:    cfg.SSHPort,
	}

	orch := jobs.New(jobs.Config{
		MaxConcurrentVMs:     cfg.MaxConcurrentVMs,
		QueueSize:            cfg.JobQueueSize,
		VMReadyTimeout:       cfg.VMReadyTimeout,
		OrchestrationTimeout: cfg.OrchestrationTimeout,
	}, vms, jobs.SSHDialer(sshCfg), history)

	bridge := terminal.NewBridge(vms, terminal.SSHShellDialer(sshCfg))

	srv := api.NewServer(orch, history, vms, bridge, api.Defaults{
		WorkspaceMemoryMB: cfg.DefaultWorkspaceMemoryMB,
		WorkspaceVCPUs:    cfg.DefaultWorkspaceVCPUs,
	}, cfg.APIKey)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("virtforge: listening on %s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("virtforge: server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("virtforge: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("virtforge: http shutdown: %v", err)
	}
	bridge.Shutdown()
	orch.Shutdown()
	log.Println("virtforge: shutdown complete")
}
