package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/cmdchan"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/workerhost"
)

var (
	workerRoutingKey string
	workerInstance   int
	workerCmdSocket  string
)

// workerCmd is spawned by rpc-server, never typed by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker host (spawned by rpc-server)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerRoutingKey, "routing-key", "", "consumer routing key")
	workerCmd.Flags().IntVar(&workerInstance, "instance", 1, "instance number within the pool")
	workerCmd.Flags().StringVar(&workerCmdSocket, "cmd-socket", "", "supervisor command socket path")
	_ = workerCmd.MarkFlagRequired("routing-key")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()

	var handler cmdchan.Handler = cmdchan.NopHandler{}
	if workerCmdSocket != "" {
		client, err := cmdchan.Dial(workerCmdSocket, log.WithWorker(workerRoutingKey, workerInstance))
		if err != nil {
			return fmt.Errorf("failed to dial command socket: %w", err)
		}
		defer client.Close()
		handler = client
	}

	host, err := workerhost.New(workerRoutingKey, workerInstance, b, handler)
	if err != nil {
		return err
	}
	return host.Run(ctx)
}
