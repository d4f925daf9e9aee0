package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the replimesh system service",
		Long: `Install, control, and manage replimesh as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install the daemon
  sudo replimesh service install --config /etc/replimesh/replimesh.yaml

  # Control the service
  sudo replimesh service start
  sudo replimesh service stop
  sudo replimesh service status

  # View logs
  sudo replimesh service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install replimesh as a system service",
		Long: `Install replimesh as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: replimesh)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the replimesh system service",
		RunE:  runServiceUninstall,
	}
	uninstallCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(uninstallCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the replimesh service",
		RunE:  runServiceStart,
	}
	startCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the replimesh service",
		RunE:  runServiceStop,
	}
	stopCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the replimesh service",
		RunE:  runServiceRestart,
	}
	restartCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(restartCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the replimesh service status",
		RunE:  runServiceStatus,
	}
	statusCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View replimesh service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName()
	}
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}
	fmt.Printf("Service %q installed\n", cfg.Name)
	fmt.Printf("Start it with: sudo replimesh service start\n")
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q removed\n", cfg.Name)
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	if err := svc.Start(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q started\n", cfg.Name)
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	if err := svc.Stop(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q stopped\n", cfg.Name)
	return nil
}

func runServiceRestart(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	if err := svc.Restart(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q restarted\n", cfg.Name)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := serviceConfig()
	status, err := svc.Status(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Service %q is %s\n", cfg.Name, svc.StatusString(status))
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := serviceConfig()
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
