package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clawbernetes/internal/agent"
	"clawbernetes/pkg/config"
	"clawbernetes/pkg/executor/docker"
	"clawbernetes/pkg/logger"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configPath string

	cmd := &cobra.Command{
		Use:           "clawnode",
		Short:         "Clawbernetes node agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", os.Getenv("NODE_CONFIG"), "path to a YAML config file")
	flags.String("gateway-url", "", "gateway websocket URL (env GATEWAY_URL)")
	flags.String("id-file", "", "file holding the persisted node id (env NODE_ID_FILE)")
	flags.String("address", "", "address advertised to the gateway")
	flags.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	for key, flag := range map[string]string{
		"gateway_url": "gateway-url",
		"id_file":     "id-file",
		"address":     "address",
		"log_level":   "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func run(parent context.Context, cfg *nodeConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := logger.Init(config.LoggerConfig{Level: cfg.LogLevel, Output: "console"}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID, err := agent.LoadOrCreateIdentity(cfg.IDFile)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to load node identity: %v", err)
		return err
	}

	exec, err := docker.New(docker.Options{APIVersion: cfg.Docker.APIVersion, PullImages: cfg.Docker.PullImages})
	if err != nil {
		logger.ErrorCtx(ctx, "%v", err)
		return err
	}
	defer exec.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = exec.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.ErrorCtx(ctx, "docker daemon unreachable: %v", err)
		return err
	}

	caps := cfg.capabilities()
	a := agent.New(agent.Config{
		GatewayURL:   cfg.GatewayURL,
		AuthToken:    cfg.AuthToken,
		NodeID:       nodeID,
		Capabilities: caps,
		Address:      cfg.Address,
		Version:      version,
		Backoff:      cfg.backoff(),
	}, agent.WSDialer{}, exec, nil)

	logger.InfoCtx(ctx, "node %s starting (gateway %s, %d millicores, %d GPUs)",
		nodeID, cfg.GatewayURL, caps.CPUMillicores, len(caps.GPUs))

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrGaveUp) {
			logger.ErrorCtx(ctx, "node agent stopped: %v", err)
		}
		return err
	}
	logger.InfoCtx(ctx, "node agent stopped")
	return nil
}
