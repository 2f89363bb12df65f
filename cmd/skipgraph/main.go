package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zde37/skipgraph/internal/api"
	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/store"
	"github.com/zde37/skipgraph/internal/transport"
	"github.com/zde37/skipgraph/pkg"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd binds every flag into v, where config.Load picks them up.
func newRootCmd(v *viper.Viper) *cobra.Command {
	d := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:          "skipgraph",
		Short:        "Run a skip graph peer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file := v.GetString("config"); file != "" {
				v.SetConfigFile(file)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			keys, err := cmd.Flags().GetStringSlice("key")
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, keys)
		},
	}

	flags := cmd.Flags()
	// --http-port and --http_port both map onto the viper key http_port
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
	})
	flags.String("config", "", "Config file (yaml, toml or json)")
	flags.String("peer-id", "", "Peer id (random when empty)")
	flags.String("host", d.Host, "Host address to bind to")
	flags.Int("port", d.Port, "Port for the peer gRPC server")
	flags.Int("http-port", d.HTTPPort, "Port for the HTTP API server (0 disables it)")
	flags.String("seed", "", "Seed peer address (host:port) of an existing graph")
	flags.String("auth-token", "", "Shared secret for peer calls")
	flags.Int("max-level", d.MaxLevel, "Routing table height cap")
	flags.Duration("rpc-timeout", d.RPCTimeout, "Timeout of one peer call")
	flags.Duration("query-timeout", d.QueryTimeout, "Default range query deadline")
	flags.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "Log format (json, console)")
	flags.String("log-file", "", "Also write logs to this rotating file")
	flags.StringSlice("key", nil, "Keys to insert once the peer is up (repeatable)")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config, keys []string) error {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	pkg.SetGlobal(logger)
	defer logger.Close()

	logger.Info().
		Str("peer_id", cfg.PeerID).
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Str("seed", cfg.Seed).
		Msg("Starting skip graph peer")

	values := store.NewMemoryStore(nil)
	hub := api.NewWebSocketHub(nil, logger)

	sg, err := skipgraph.New(cfg, values, logger, skipgraph.WithBroadcaster(hub))
	if err != nil {
		values.Close()
		return fmt.Errorf("failed to create peer: %w", err)
	}

	grpcClient := transport.NewGRPCClient(logger, cfg.RPCTimeout, cfg.AuthToken, cfg.Address())
	sg.SetRemote(grpcClient)

	grpcServer, err := transport.NewGRPCServer(sg, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		cleanup(sg, nil, grpcClient, nil, values, logger)
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := grpcServer.Start(); err != nil {
		cleanup(sg, nil, grpcClient, nil, values, logger)
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(&api.Config{
			HTTPPort:       cfg.HTTPPort,
			Seed:           cfg.Seed,
			Values:         values,
			RequestTimeout: cfg.QueryTimeout + cfg.RPCTimeout,
		}, sg, hub, logger)
		if err != nil {
			cleanup(sg, grpcServer, grpcClient, nil, values, logger)
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(cfg.HTTPPort); err != nil {
			cleanup(sg, grpcServer, grpcClient, nil, values, logger)
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Seed != "" {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
		err := grpcClient.Ping(pingCtx, cfg.Seed)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("seed", cfg.Seed).Msg("Seed peer is not reachable yet")
		} else {
			logger.Info().Str("seed", cfg.Seed).Msg("Seed peer reachable")
		}
	}

	for _, k := range keys {
		raw := keyspace.ParseRawKey(k)
		if err := values.Set(ctx, raw, []byte(k), 0); err != nil {
			logger.Error().Err(err).Str("key", k).Msg("Failed to store value")
			continue
		}
		addCtx, cancel := context.WithTimeout(ctx, 2*cfg.QueryTimeout)
		err := sg.AddKey(addCtx, cfg.Seed, raw)
		cancel()
		if err != nil {
			values.Delete(context.Background(), raw)
			logger.Error().Err(err).Str("key", k).Msg("Failed to insert key")
		}
	}

	logger.Info().Int("keys", len(sg.Keys())).Int("height", sg.Height()).Msg("Skip graph peer is ready")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	cleanup(sg, grpcServer, grpcClient, httpServer, values, logger)
	logger.Info().Msg("Skip graph peer shutdown complete")
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(sg *skipgraph.SkipGraph, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, values *store.MemoryStore, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	// leave the graph while the RPC server can still answer neighbors
	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, raw := range sg.Keys() {
		if err := sg.RemoveKey(leaveCtx, raw); err != nil {
			logger.Warn().Err(err).Str("key", raw.String()).Msg("Failed to remove key on shutdown")
		}
	}
	cancel()

	if grpcServer != nil {
		if err := grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if err := sg.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing peer")
	}

	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing gRPC client")
	}

	if err := values.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing value store")
	}

	logger.Info().Msg("Graceful shutdown completed")
}
