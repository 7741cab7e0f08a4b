package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var unsuppressCmd = &cobra.Command{
	Use:   "unsuppress <recipient>",
	Short: "Remove a recipient from the suppression list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		removed, err := rt.Pipeline.Unsuppress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("recipient %s is not suppressed", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed suppression for %s\n", args[0])
		return nil
	},
}

var suppressionCmd = &cobra.Command{
	Use:   "suppression <recipient>",
	Short: "Show the suppression entry for a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		entry, err := rt.Pipeline.Suppression(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !entry.Active(time.Now()) {
			return fmt.Errorf("recipient %s is not suppressed", args[0])
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired suppression entries once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.Pipeline.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired suppression entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unsuppressCmd)
	rootCmd.AddCommand(suppressionCmd)
	rootCmd.AddCommand(cleanupCmd)
}
