package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/core/cache"
	"content-sync/internal/features/records/domain"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Count    int
	Duration time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every broadcast on the record topics",
		Long: `Join the same-machine broadcast bus and print each message, one JSON
object per line. Messages published before watch started are not shown.

Examples:
  syncctl watch --driver redis --redis-url redis://localhost:6379/0
  syncctl watch --driver file --dir ./data/bus --count 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().String("driver", "redis", "broadcast driver: redis or file (env BROADCAST_DRIVER)")
	cmd.Flags().String("dir", "./data/bus", "drop directory of the file driver (env BROADCAST_DIR)")
	cmd.Flags().String("redis-url", "redis://localhost:6379/0", "Redis URL of the redis driver (env REDIS_URL)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many messages")
	cmd.Flags().DurationVar(&opts.Duration, "for", 0, "exit after this long")
	_ = opts.v.BindPFlag("BROADCAST_DRIVER", cmd.Flags().Lookup("driver"))
	_ = opts.v.BindPFlag("BROADCAST_DIR", cmd.Flags().Lookup("dir"))
	_ = opts.v.BindPFlag("REDIS_URL", cmd.Flags().Lookup("redis-url"))

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	driver := opts.v.GetString("BROADCAST_DRIVER")
	if driver == "memory" {
		return errors.New("the memory driver only reaches its own process")
	}

	var c cache.Cache
	if driver == "redis" {
		adapter, err := cache.NewRedisAdapter(opts.v.GetString("REDIS_URL"))
		if err != nil {
			return err
		}
		defer adapter.Close()
		c = adapter
	}

	bus, err := broadcast.New(driver, opts.v.GetString("BROADCAST_DIR"), c)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	type line struct {
		Topic string `json:"topic"`
		broadcast.Message
	}
	lines := make(chan line, 64)
	for _, kind := range domain.Kinds() {
		topic := kind.Topic()
		unsubscribe, err := bus.Subscribe(topic, func(msg broadcast.Message) {
			select {
			case lines <- line{Topic: topic, Message: msg}:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		defer unsubscribe()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			if err := enc.Encode(l); err != nil {
				return err
			}
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
