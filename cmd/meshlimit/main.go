package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meshlimit/meshlimit/internal/config"
	"github.com/meshlimit/meshlimit/internal/logging"
	"github.com/meshlimit/meshlimit/internal/mesh"
	"github.com/meshlimit/meshlimit/internal/metrics"
	"github.com/meshlimit/meshlimit/internal/ratelimit"
	"github.com/meshlimit/meshlimit/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	rulesPath         string
	serviceConfigPath string
	grpcAddr          string
	meshEnabled       bool
	nodeID            string
	meshAddr          string
	peers             string
	logLevel          string
)

var rootCmd = &cobra.Command{
	Use:     "meshlimit",
	Short:   "Meshlimit - distributed global rate limit service",
	Long:    `Global rate limit decision service for Envoy's external rate limit API, sharing counters across peers over UDP gossip`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meshlimit %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	registerFlags(rootCmd.Flags())
}

func registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&rulesPath, "config", "", "Path to rate limit rules file")
	fs.StringVar(&serviceConfigPath, "service-config", "", "Path to service configuration file")
	fs.StringVar(&grpcAddr, "addr", "", "gRPC listen address (host:port)")
	fs.BoolVar(&meshEnabled, "mesh", false, "Enable distributed mode")
	fs.StringVar(&nodeID, "node-id", "", "Unique mesh node id (default: random)")
	fs.StringVar(&meshAddr, "mesh-addr", "", "Gossip listen address (host:port)")
	fs.StringVar(&peers, "peers", "", "Comma-separated seed peers (host:port,...)")
	fs.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command) error {
	// A .env file is optional; real environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load(serviceConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("version", Version).
		Bool("mesh", cfg.Mesh.Enabled).
		Msg("Starting meshlimit")

	rules, err := buildRuleStore(cfg)
	if err != nil {
		return err
	}

	m := metrics.New(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		backend ratelimit.Backend
		cluster *mesh.Cluster
		local   *ratelimit.Limiter
		mode    = "local"
	)
	if cfg.Mesh.Enabled {
		cluster, err = mesh.Start(mesh.Config{
			NodeID:              cfg.Mesh.NodeID,
			ClusterID:           cfg.Mesh.ClusterID,
			BindAddr:            cfg.Mesh.BindAddr,
			AdvertiseAddr:       cfg.Mesh.AdvertiseAddr,
			Seeds:               cfg.Mesh.Seeds,
			GossipInterval:      cfg.Mesh.GossipInterval.Std(),
			DeadNodeGracePeriod: cfg.Mesh.DeadNodeGracePeriod.Std(),
			CacheTTL:            cfg.Mesh.CacheTTL.Std(),
		})
		if err != nil {
			return err
		}
		backend = ratelimit.NewDistributedLimiter(cluster, rules)
		mode = "mesh"
	} else {
		local = ratelimit.NewLimiter(rules)
		backend = local
	}

	grpcServer := server.New(cfg.Server.GRPCAddr, server.NewService(backend, m, mode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Serve(gctx)
	})
	g.Go(func() error {
		return m.Serve(gctx, cfg.Server.MetricsAddr)
	})
	g.Go(func() error {
		rules.Watch(gctx, cfg.RateLimiting.ReloadInterval.Std())
		return nil
	})
	if cluster != nil {
		g.Go(func() error {
			cluster.RunMaintenance(gctx)
			return nil
		})
	}
	g.Go(func() error {
		pollGauges(gctx, m, local, cluster)
		return nil
	})

	err = g.Wait()
	if cluster != nil {
		if shutdownErr := cluster.Shutdown(); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Mesh shutdown failed")
		}
	}
	if err != nil {
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// applyFlagOverrides lets explicit flags win over file and environment.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if rulesPath != "" {
		cfg.RateLimiting.RulesPath = rulesPath
	}
	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}
	if cmd.Flags().Changed("mesh") {
		cfg.Mesh.Enabled = meshEnabled
	}
	if nodeID != "" {
		cfg.Mesh.NodeID = nodeID
	}
	if meshAddr != "" {
		cfg.Mesh.BindAddr = meshAddr
	}
	if peers != "" {
		cfg.Mesh.Seeds = config.SplitSeeds(peers)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func buildRuleStore(cfg config.Config) (*ratelimit.RuleStore, error) {
	if cfg.RateLimiting.RulesPath == "" {
		log.Warn().Msg("No rules file configured, serving default limits only")
		return ratelimit.NewRuleStore(ratelimit.NewRateLimitConfig()), nil
	}
	return ratelimit.NewRuleStoreFromFile(cfg.RateLimiting.RulesPath)
}

// pollGauges keeps the observability gauges current.
func pollGauges(ctx context.Context, m *metrics.Metrics, local *ratelimit.Limiter, cluster *mesh.Cluster) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if local != nil {
				m.SetLocalCounters(local.CounterCount())
			}
			if cluster != nil {
				m.SetLiveNodes(cluster.LiveNodeCount())
				m.SetCacheEntries(cluster.CacheSize())
			}
		}
	}
}
