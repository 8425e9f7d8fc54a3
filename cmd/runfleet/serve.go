package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/runfleet/pkg/api"
	"github.com/cuemby/runfleet/pkg/config"
	"github.com/cuemby/runfleet/pkg/controller"
	"github.com/cuemby/runfleet/pkg/log"
	"github.com/cuemby/runfleet/pkg/manager"
	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/reaper"
	"github.com/cuemby/runfleet/pkg/runs"
	"github.com/cuemby/runfleet/pkg/storage"
	"github.com/cuemby/runfleet/pkg/supervisor"
)

const (
	leaderTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Open the coordination store, start the heartbeat reaper, the engine
controller and the run metrics collector under the supervisor, and serve
health endpoints until interrupted.

SIGHUP reloads the properties section of the configuration file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("kubeconfig", "", "Path to a kubeconfig file (default: in-cluster)")
	serveCmd.Flags().String("namespace", "", "Namespace of the engine pods (overrides config)")
	serveCmd.Flags().String("http-addr", "", "HTTP health address (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC health address (overrides config)")
}

// openedStore is the coordination store chosen by configuration
type openedStore struct {
	storage.Store
	cluster api.Cluster
	close   func() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	logger := initLogger(cfg)
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("store", "supervisor")

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.Store.DataDir).
		Bool("standalone", cfg.Store.Standalone).
		Str("namespace", cfg.Kubernetes.Namespace).
		Msg("Starting runfleet")

	store, err := openStore(cfg, logger)
	if err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		return err
	}
	defer func() {
		if err := store.close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()
	metrics.UpdateComponent("store", true, "")

	client, err := kubernetesClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}

	properties := config.NewPropertyView(config.NewProperties(cfg.Properties))
	registry := runs.NewRegistry(store, log.Component(logger, "runs"))

	reap := reaper.New(registry, properties, log.Component(logger, reaper.JobName), cfg.Supervisor.ReaperInterval.Std())
	if store.cluster != nil {
		// Only the raft leader accepts writes
		reap.SetLeader(store.cluster)
	}

	jobs := []supervisor.Job{
		reap,
		controller.New(client, registry, log.Component(logger, controller.JobName), controller.Options{
			Namespace:          cfg.Kubernetes.Namespace,
			ConfigMapName:      cfg.Kubernetes.ConfigMap,
			EncryptionKeysPath: controller.EncryptionKeysPath(),
		}),
		runs.NewCollector(registry, log.Component(logger, runs.CollectorJobName)),
	}

	sup := supervisor.New(store, log.Component(logger, "supervisor"), supervisor.Options{
		PoolSize:        cfg.Supervisor.PoolSize,
		MaxInitialDelay: cfg.Supervisor.MaxInitialDelay.Std(),
	}, jobs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	server := api.NewServer(sup, store.cluster, log.Component(logger, "api"))
	if err := server.Start(cfg.Health.HTTPAddr, cfg.Health.GRPCAddr); err != nil {
		sup.Shutdown()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			break
		}
		if path == "" {
			logger.Warn().Msg("SIGHUP ignored, no configuration file")
			continue
		}
		if err := properties.Reload(path); err != nil {
			logger.Error().Err(err).Msg("Failed to reload properties, keeping previous values")
			continue
		}
		logger.Info().Int("properties", properties.Current().Len()).Msg("Reloaded properties")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server did not stop cleanly")
	}
	sup.Shutdown()

	logger.Info().Msg("Shutdown complete")
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("kubeconfig"); v != "" {
		cfg.Kubernetes.Kubeconfig = v
	}
	if v, _ := flags.GetString("namespace"); v != "" {
		cfg.Kubernetes.Namespace = v
	}
	if v, _ := flags.GetString("http-addr"); v != "" {
		cfg.Health.HTTPAddr = v
	}
	if v, _ := flags.GetString("grpc-addr"); v != "" {
		cfg.Health.GRPCAddr = v
	}
}

// openStore opens a local BoltStore in standalone mode, or joins the raft
// group described by the store section otherwise.
func openStore(cfg *config.Config, logger zerolog.Logger) (*openedStore, error) {
	if cfg.Store.Standalone {
		bolt, err := storage.NewBoltStore(cfg.Store.DataDir, log.Component(logger, "store"))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return &openedStore{Store: bolt, close: bolt.Close}, nil
	}

	peers := make([]manager.Peer, 0, len(cfg.Store.Peers))
	for _, p := range cfg.Store.Peers {
		peers = append(peers, manager.Peer{ID: p.ID, Address: p.Address})
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.Store.NodeID,
		BindAddr: cfg.Store.BindAddr,
		DataDir:  cfg.Store.DataDir,
		Peers:    peers,
		Logger:   log.Component(logger, "manager"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		_ = mgr.Close()
		return nil, fmt.Errorf("failed to bootstrap store cluster: %w", err)
	}
	if err := mgr.WaitForLeader(leaderTimeout); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return &openedStore{Store: mgr, cluster: mgr, close: mgr.Close}, nil
}

// kubernetesClient builds a clientset from a kubeconfig file, or from the
// in-cluster service account when path is empty.
func kubernetesClient(path string) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}
