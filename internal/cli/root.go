// Package cli implements syncctl, the operator command line for a running
// sync engine.
package cli

import (
	"fmt"
	"time"

	"content-sync/internal/core/httpclient"
	"content-sync/internal/core/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	APIURL  string
	Timeout time.Duration

	v *viper.Viper
}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}
	opts.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate a content sync engine",
		Long:  "Push and inspect banner records through the content sync API, and watch the cross-process broadcast bus.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "error"
			if opts.Verbose {
				level = "debug"
			}
			if err := logger.Init("development", level); err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			opts.APIURL = opts.v.GetString("API_URL")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().String("api", "http://localhost:8080", "base URL of the sync API (env API_URL)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	_ = opts.v.BindPFlag("API_URL", cmd.PersistentFlags().Lookup("api"))

	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewForceSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func (o *RootOptions) client() *httpclient.JSONClient {
	return httpclient.NewJSONClient(o.APIURL, o.Timeout)
}
