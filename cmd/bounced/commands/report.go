package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/bounced/internal/classify"
	"github.com/busybox42/bounced/internal/complaint"
	"github.com/busybox42/bounced/internal/report"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse a raw DSN or ARF report and print it as JSON",
	Long:  `Parse reads a report from the file, or stdin when omitted, detects its kind and prints the parsed fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, argOrStdin(args))
		if err != nil {
			return err
		}
		parsed, err := report.Parse(string(raw))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), parsed)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <status-code>",
	Short: "Classify an enhanced status code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := classify.Classify(args[0])
		if c.Fallback {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, using the temporary default\n", c.Err)
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file]",
	Short: "Evaluate a delivery report against the configured stores",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, argOrStdin(args))
		if err != nil {
			return err
		}
		r, err := report.ParseDelivery(string(raw))
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		decision, err := rt.Pipeline.Evaluate(cmd.Context(), r)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), decision)
	},
}

var complaintCmd = &cobra.Command{
	Use:   "complaint [file]",
	Short: "Process an ARF complaint: suppress, update reputation, alert",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, argOrStdin(args))
		if err != nil {
			return err
		}
		r, err := report.ParseComplaint(string(raw))
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		err = rt.Pipeline.ProcessComplaint(cmd.Context(), r)
		var pe *complaint.ProcessError
		if errors.As(err, &pe) {
			// The recipient is suppressed; only a side effect failed
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", pe)
		} else if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), r)
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(complaintCmd)
}
