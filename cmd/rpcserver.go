package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/cmdchan"
	"github.com/quadtile/drover/internal/config"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/rpcserver"
)

var (
	consumersFlag []string
	saveConsumers bool
)

var rpcServerCmd = &cobra.Command{
	Use:   "rpc-server",
	Short: "Run worker pools for registered consumers",
	Long: `Rpc-server spawns one worker process per consumer instance and keeps
the pools alive: crashed workers are restarted, stuck ones are terminated
on the scheduler's order.

The layout comes from --consumers as routing-key/count pairs, e.g.

    drover rpc-server --consumers road_generator 2 consumer_A 1

or from the "consumers" list in the config file when the flag is absent.`,
	RunE: runRPCServer,
}

func init() {
	rpcServerCmd.Flags().StringSliceVar(&consumersFlag, "consumers", nil,
		"routing-key/count pairs (key count key count ...)")
	rpcServerCmd.Flags().BoolVar(&saveConsumers, "save", false,
		"persist the given layout to the config file")
	rootCmd.AddCommand(rpcServerCmd)
}

// parseConsumers turns the flat flag list into a layout. Odd, short or
// duplicate arguments are fatal.
func parseConsumers(args []string) ([]config.ConsumerSpec, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("--consumers takes routing-key/count pairs, got %d arguments", len(args))
	}
	specs := make([]config.ConsumerSpec, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		count, err := strconv.Atoi(args[i+1])
		if err != nil {
			return nil, fmt.Errorf("consumer %q: invalid instance count %q", args[i], args[i+1])
		}
		specs = append(specs, config.ConsumerSpec{RoutingKey: args[i], Instances: count})
	}
	if err := config.ValidateConsumers(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func runRPCServer(cmd *cobra.Command, _ []string) error {
	specs := cfg.Consumers
	if len(consumersFlag) > 0 {
		parsed, err := parseConsumers(consumersFlag)
		if err != nil {
			return err
		}
		specs = parsed
	}
	if len(specs) == 0 {
		return fmt.Errorf("no consumers configured: pass --consumers or set them in the config file")
	}
	if saveConsumers {
		if err := config.SaveConsumers(configPath(), specs); err != nil {
			return fmt.Errorf("failed to save consumer layout: %w", err)
		}
	}
	logger := log.WithComponent("rpc-server")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()

	socketDir, err := os.MkdirTemp("", "drover-cmdchan-")
	if err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	defer os.RemoveAll(socketDir)

	cm := cmdchan.NewManager(socketDir, log.Logger)
	srv, err := rpcserver.New(b, cm, specs, rpcserver.Options{
		Args:         workerArgs,
		RestartDelay: cfg.RestartDelayD(),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopped, killed := srv.Stop()
	logger.Info().Int("stopped", stopped).Int("killed", killed).Msg("rpc-server exiting")
	return nil
}

// workerArgs is the argv for one spawned worker, carrying the config file
// down so the child reads the same settings.
func workerArgs(routingKey string, instance int, socketPath string) []string {
	args := []string{
		"worker",
		"--routing-key", routingKey,
		"--instance", strconv.Itoa(instance),
		"--cmd-socket", socketPath,
	}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			args = append(args, "--config", abs)
		}
	}
	return args
}
