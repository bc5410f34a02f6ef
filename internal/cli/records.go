package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"content-sync/internal/features/records/domain"

	"github.com/spf13/cobra"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	File string
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Save one record or a batch of records",
		Long: `Read a record envelope ({"kind": ..., "record": {...}}) or an array of
envelopes and send it to the sync API. A single envelope is scheduled and
acknowledged immediately; an array is synchronized as a batch.

Examples:
  syncctl push -f hero.json
  cat strips.json | syncctl push -f -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "envelope JSON file, - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	raw, err := readInput(cmd.InOrStdin(), opts.File)
	if err != nil {
		return err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var envs []domain.Envelope
		if err := json.Unmarshal(raw, &envs); err != nil {
			return fmt.Errorf("invalid envelope array: %w", err)
		}
		var out map[string]any
		if err := opts.client().Do(cmd.Context(), http.MethodPost, "/records/batch", envs, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "synchronized %v records\n", out["synced"])
		return nil
	}

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	rec, err := env.Open()
	if err != nil {
		return err
	}
	if rec.RecordID() == "" {
		return domain.ErrMissingID
	}

	if err := opts.client().Do(cmd.Context(), http.MethodPut, "/records/"+url.PathEscape(rec.RecordID()), env, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "accepted %s %s\n", rec.RecordKind(), rec.RecordID())
	return nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Print records as the API process sees them",
		Long:  "Print one record with its sync metadata, or every record when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/records"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			var out json.RawMessage
			if err := rootOpts.client().Do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out, "", "  "); err != nil {
				return err
			}
			pretty.WriteByte('\n')
			_, err := pretty.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
}

// NewForceSyncCommand creates the force-sync command.
func NewForceSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force-sync",
		Short: "Ask every process to re-read its local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.client().Do(cmd.Context(), http.MethodPost, "/records/force-sync", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "force sync broadcast")
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}
