package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bertiespell/asset-canister/internal/config"
	"github.com/bertiespell/asset-canister/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName    string
	serviceUser    string
	serviceDataDir string
	forceInstall   bool
	logsFollow     bool
	logsLines      int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the assetstore system service",
		Long: `Install, control, and manage assetstore as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install with a config file
  sudo assetstore service install --config /etc/assetstore/assetstore.yaml

  # Control the service
  sudo assetstore service start
  sudo assetstore service status

  # View logs
  sudo assetstore service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install assetstore as a system service",
		Long: `Install assetstore as a system service that starts automatically at boot.

The auth secret is read from ` + config.SecretEnv + ` at install time and passed
to the service through its environment rather than its command line.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: assetstore)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().StringVar(&serviceDataDir, "data-dir", "", "Data directory passed to the service")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	for _, action := range []string{"uninstall", "start", "stop", "restart"} {
		cmd := &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the assetstore service", titleCase(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceAction(action)
			},
		}
		cmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
		serviceCmd.AddCommand(cmd)
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show assetstore service status",
		RunE:  runServiceStatus,
	}
	statusCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View assetstore service logs",
		Long: `View logs from the assetstore service.

Log locations by platform:
  - Linux:   journalctl -u assetstore
  - macOS:   /usr/local/var/log/assetstore.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	cfg.DataDir = serviceDataDir
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()

	// Make the config path absolute for the service manager
	absPath, err := filepath.Abs(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg.ConfigPath = absPath
	if cfg.DataDir != "" {
		if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
	}

	// Validate the config before installing so the service does not crash-loop.
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if _, err := loadConfig(cfg.ConfigPath, cfg.DataDir); err != nil {
		return err
	}
	cfg.AuthSecret = os.Getenv(config.SecretEnv)

	if err := svc.Control(cfg, "install", forceInstall); err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("service installed")
	fmt.Printf("\nService %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n  sudo assetstore service start\n")
	return nil
}

func runServiceAction(action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if err := svc.Control(cfg, action, false); err != nil {
		return err
	}
	fmt.Printf("Service %q: %s done\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Service %q: %s (%v)\n", cfg.Name, status, err)
		return nil
	}
	fmt.Printf("Service %q: %s\n", cfg.Name, status)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
