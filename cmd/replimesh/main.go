// replimesh is the synchronous block-device replication daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/config"
	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/meta"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/internal/svc"
	"github.com/replimesh/replimesh/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "replimesh",
		Short:        "Synchronous block-device replication daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "replimesh.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServiceCmd())
	return rootCmd
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("replimesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s: configuration valid (%d resources)\n", cfgFile, len(cfg.Resources))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfgFile)
		},
	}
}

// runDaemon brings up every configured resource plus the metrics
// endpoint and blocks until the context is cancelled.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	resources := make([]*replication.Resource, 0, len(cfg.Resources))
	for i := range cfg.Resources {
		r, err := buildResource(&cfg.Resources[i])
		if err != nil {
			return err
		}
		defer r.Close()
		resources = append(resources, r)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range resources {
		r := r
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		m := metrics.InitMetrics(cfg.Resources[0].NodeID, Version)
		collector := metrics.NewCollector(m, resources)
		g.Go(func() error {
			collector.Run(ctx, 5*time.Second)
			return nil
		})

		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
		g.Go(func() error {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Str("version", Version).
		Int("resources", len(resources)).
		Msg("replimesh started")
	return g.Wait()
}

// buildResource opens the backing devices and metadata stores of one
// configured resource and wires its peers.
func buildResource(rc *config.ResourceConfig) (*replication.Resource, error) {
	opts := rc.Options()

	backends := make(map[int]*blockdev.FileBackend, len(rc.Volumes))
	caps := epoch.Capabilities{Flush: true, Barriers: true}
	for _, vc := range rc.Volumes {
		var size int64
		if vc.Size != "" {
			size, _ = bytesize.Parse(vc.Size)
		}
		be, err := blockdev.OpenFile(vc.Device, size)
		if err != nil {
			return nil, fmt.Errorf("resource %q volume %d: %w", rc.Name, vc.Volume, err)
		}
		backends[vc.Volume] = be
		// The weakest volume bounds the write ordering for the whole
		// resource.
		bc := be.Capabilities()
		caps.Flush = caps.Flush && bc.Flush
		caps.Barriers = caps.Barriers && bc.Barriers
	}
	opts.Caps = caps

	r := replication.NewResource(rc.Name, rc.NodeID, opts)
	for _, vc := range rc.Volumes {
		metaDir := vc.MetaDir
		if metaDir == "" {
			metaDir = vc.Device + ".meta"
		}
		store, err := meta.NewStore(metaDir)
		if err != nil {
			return nil, fmt.Errorf("resource %q volume %d: %w", rc.Name, vc.Volume, err)
		}
		if _, err := r.AddDevice(vc.Volume, backends[vc.Volume], store); err != nil {
			return nil, err
		}
	}
	for _, pc := range rc.Peers {
		r.AddPeer(pc.LocalAddr, pc.PeerAddr, pc.NodeID)
	}
	return r, nil
}

// runAsService runs the daemon under the platform service manager.
func runAsService() {
	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	_ = setupLogging()

	prg := &svc.Program{
		ConfigPath: configPath,
		Run:        runDaemon,
	}
	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Error().Err(err).Msg("service run failed")
		os.Exit(1)
	}
}
