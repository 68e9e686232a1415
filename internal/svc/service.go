// Package svc installs and runs assetstore as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs the server until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured")
			return
		}
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop is called when the service stops. It cancels the server and waits
// for the final snapshot to be written.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	DataDir     string // Passed as --data-dir when set
	UserName    string // User to run service as (Linux/macOS only)
	AuthSecret  string // Passed via environment, not visible in process listings
}

// DefaultServiceConfig returns the standard service identity.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        "assetstore",
		DisplayName: "Asset Store",
		Description: "Chunked content-addressed asset store",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "AssetStore", "assetstore.yaml")
	}
	return "/etc/assetstore/assetstore.yaml"
}

// Arguments returns the command line the service manager runs.
func (c *ServiceConfig) Arguments() []string {
	args := []string{ServiceRunFlag, "serve", "--config", c.ConfigPath}
	if c.DataDir != "" {
		args = append(args, "--data-dir", c.DataDir)
	}
	return args
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig, goos string) *service.Config {
	env := make(map[string]string)
	if cfg.AuthSecret != "" {
		env["ASSETSTORE_AUTH_SECRET"] = cfg.AuthSecret
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments(),
		EnvVars:     env,
	}

	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// New creates a service instance for prg.
func New(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
}

// Control runs a service manager action: install, uninstall, start, stop or restart.
func Control(cfg *ServiceConfig, action string, force bool) error {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	switch action {
	case "install":
		return install(s, cfg.Name, force)
	case "uninstall":
		if status, _ := s.Status(); status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}
		return nil
	case "start", "stop", "restart":
		if err := service.Control(s, action); err != nil {
			return fmt.Errorf("%s service: %w", action, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
}

func install(s service.Service, name string, force bool) error {
	status, err := s.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Status returns the service status as "running", "stopped" or "unknown".
func Status(cfg *ServiceConfig) (string, error) {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return StatusString(service.StatusUnknown), fmt.Errorf("create service: %w", err)
	}
	status, err := s.Status()
	return StatusString(status), err
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := New(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges checks if the current user has sufficient privileges for service management.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error if not admin.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode returns true if running as a service.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, ServiceRunFlag)
}
