//go:build darwin

// Package embedded provides darwin-only hypervisor bring-up for the MicroVM
// runtime provider: containerd itself doesn't run natively on macOS, so a
// lightweight Lima guest stands in as the hypervisor Conductor drives.
package embedded

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"
)

const (
	// LimaInstanceName is the Lima VM instance Conductor's MicroVM provider
	// drives on darwin.
	LimaInstanceName = "conductor"
)

// LimaManager owns the lifecycle of the Lima VM hosting containerd for the
// MicroVM runtime provider on darwin.
type LimaManager struct {
	instanceName string
	instance     *store.Instance
	dataDir      string
	logger       zerolog.Logger
}

// NewLimaManager creates a manager rooted at dataDir, mounted read-write
// into the guest so MicroVM sessions can see Conductor's working set.
func NewLimaManager(dataDir string) (*LimaManager, error) {
	logger := zerolog.New(os.Stdout).With().
		Str("component", "lima-vm").
		Timestamp().
		Logger()

	return &LimaManager{
		instanceName: LimaInstanceName,
		dataDir:      dataDir,
		logger:       logger,
	}, nil
}

// Start brings the Lima guest up, creating it on first use, and blocks
// until its containerd socket is reachable.
func (lm *LimaManager) Start(ctx context.Context) error {
	lm.logger.Info().Msg("starting lima vm for conductor microvm provider")

	if !lm.isLimaInstalled() {
		return fmt.Errorf("embedded: lima is not installed, install with: brew install lima")
	}

	inst, err := store.Inspect(lm.instanceName)
	if err == nil {
		lm.instance = inst
		if inst.Status == store.StatusRunning {
			lm.logger.Info().Msg("lima vm already running")
			return nil
		}

		lm.logger.Info().Msg("starting existing lima instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return fmt.Errorf("embedded: start lima instance: %w", err)
		}
		return lm.waitForReady(ctx)
	}

	lm.logger.Info().Msg("creating new lima instance for conductor")
	if err := lm.createInstance(ctx); err != nil {
		return fmt.Errorf("embedded: create lima instance: %w", err)
	}

	inst, err = store.Inspect(lm.instanceName)
	if err != nil {
		return fmt.Errorf("embedded: inspect created instance: %w", err)
	}
	lm.instance = inst

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("embedded: start lima instance: %w", err)
	}
	if err := lm.waitForReady(ctx); err != nil {
		return fmt.Errorf("embedded: lima vm failed to become ready: %w", err)
	}

	lm.logger.Info().Msg("lima vm started")
	return nil
}

// Stop stops the Lima guest, falling back to a forced stop if graceful
// shutdown doesn't complete.
func (lm *LimaManager) Stop(ctx context.Context) error {
	if lm.instance == nil {
		return nil
	}

	lm.logger.Info().Msg("stopping lima vm")
	if err := instance.StopGracefully(ctx, lm.instance, false); err != nil {
		lm.logger.Warn().Err(err).Msg("graceful stop failed, forcing stop")
		instance.StopForcibly(lm.instance)
	}
	return nil
}

// GetSocketPath returns the host-side path to the guest's containerd
// socket, the value fed into runtime.NewMicroVMProvider on darwin.
func (lm *LimaManager) GetSocketPath() string {
	if lm.instance == nil {
		return ""
	}

	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, lm.instanceName, "sock", "containerd.sock")
}

func (lm *LimaManager) createInstance(ctx context.Context) error {
	config := lm.buildConfig()

	configYAML, err := limayaml.Marshal(&config, false)
	if err != nil {
		return fmt.Errorf("embedded: marshal lima config: %w", err)
	}

	if _, err := instance.Create(ctx, lm.instanceName, configYAML, false); err != nil {
		return fmt.Errorf("embedded: create instance: %w", err)
	}
	return nil
}

// buildConfig returns a minimal Alpine+containerd guest sized for running
// Conductor MicroVM sessions, with dataDir mounted read-write.
func (lm *LimaManager) buildConfig() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := 2
	memory := "2GiB"
	disk := "20GiB"

	return limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso",
				Arch:     limayaml.AARCH64,
			}},
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso",
				Arch:     limayaml.X8664,
			}},
		},
		Containerd: limayaml.Containerd{
			System: ptrBool(true),
		},
		Mounts: []limayaml.Mount{
			{Location: lm.dataDir, Writable: ptrBool(true)},
		},
		Provision: []limayaml.Provision{
			{
				Mode:   limayaml.ProvisionModeSystem,
				Script: "#!/bin/sh\nset -eux -o pipefail\nif ! command -v containerd > /dev/null; then\n  apk add containerd\nfi\nrc-update add containerd default\nrc-service containerd start || true",
			},
		},
		Message: "Conductor MicroVM guest ready",
	}
}

func (lm *LimaManager) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("embedded: timeout waiting for lima vm to be ready")
		case <-ticker.C:
			inst, err := store.Inspect(lm.instanceName)
			if err != nil {
				continue
			}
			if inst.Status != store.StatusRunning {
				continue
			}
			if _, err := os.Stat(lm.GetSocketPath()); err == nil {
				lm.logger.Info().Str("socket", lm.GetSocketPath()).Msg("containerd socket ready")
				return nil
			}
		}
	}
}

func (lm *LimaManager) isLimaInstalled() bool {
	_, err := exec.LookPath("limactl")
	return err == nil
}

func ptrBool(b bool) *bool { return &b }

// EnsureLima starts (or attaches to) the Lima VM and returns its manager,
// ready for GetSocketPath to feed runtime.NewMicroVMProvider.
func EnsureLima(ctx context.Context, dataDir string) (*LimaManager, error) {
	manager, err := NewLimaManager(dataDir)
	if err != nil {
		return nil, err
	}
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}
