package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// withBackend opens the backend, runs f and closes it.
func withBackend(f func(cmd *cobra.Command, b backend, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		b, err := openBackend()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := b.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return f(cmd, b, args)
	}
}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print the value of a key",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				v, ok, err := b.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("txkv: %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "put KEY VALUE",
			Short: "Set the value of a key",
			Args:  cobra.ExactArgs(2),
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				return b.Put(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "delete KEY",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				return b.Delete(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "scan [FROM [TO]]",
			Short: "List live keys in [FROM, TO)",
			Args:  cobra.MaximumNArgs(2),
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				var from, to string
				if len(args) > 0 {
					from = args[0]
				}
				if len(args) > 1 {
					to = args[1]
				}
				entries, err := b.Scan(cmd.Context(), from, to)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Key, e.Value)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Persist the memtable as a new generation",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				return b.Flush(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "compact",
			Short: "Merge all generations into one",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				return b.Compact(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print memtable and generation statistics as JSON",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b backend, args []string) error {
				st, err := b.Stats(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}),
		},
	)
}

