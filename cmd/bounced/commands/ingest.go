package commands

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/bounced/internal/ingest"
	"github.com/busybox42/bounced/internal/report"
)

var (
	ingestMbox    bool
	ingestMIME    bool
	ingestWorkers int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Process a batch of reports concurrently",
	Long: `Ingest runs every report through the pipeline with a bounded worker pool.
Each file holds one report, or many with --mbox. Reads stdin when no file is
given. One JSON result is printed per report; a failed report does not stop
the batch but makes the command exit non-zero.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&ingestMbox, "mbox", false, "inputs are mbox files holding one report per message")
	ingestCmd.Flags().BoolVar(&ingestMIME, "mime", false, "decode reports as multipart/report MIME")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "number of concurrent workers (overrides config)")
}

// collectItems turns the inputs into pool items, splitting mbox files
func collectItems(cmd *cobra.Command, names []string, mbox, mime bool) ([]ingest.Item, error) {
	if len(names) == 0 {
		names = []string{"-"}
	}

	var items []ingest.Item
	for _, name := range names {
		data, err := readInput(cmd, name)
		if err != nil {
			return nil, err
		}
		if !mbox {
			items = append(items, ingest.Item{Index: len(items), Source: name, Raw: string(data), MIME: mime})
			continue
		}
		err = report.ReadMbox(bytes.NewReader(data), func(i int, raw string) error {
			items = append(items, ingest.Item{
				Index:  len(items),
				Source: fmt.Sprintf("%s#%d", name, i),
				Raw:    raw,
				MIME:   mime,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read mbox %s: %w", name, err)
		}
	}
	return items, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	items, err := collectItems(cmd, args, ingestMbox, ingestMIME)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No reports to ingest")
		return nil
	}

	rt, err := buildRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	workers := cfg.Ingest.Workers
	if ingestWorkers > 0 {
		workers = ingestWorkers
	}
	pool := ingest.NewPool(ingest.Config{Workers: workers}, rt.Pipeline, nil)

	results, err := pool.Process(cmd.Context(), items)
	out := cmd.OutOrStdout()
	for _, res := range results {
		if perr := printJSON(out, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return fmt.Errorf("ingest interrupted: %w", err)
	}

	stats := pool.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "Processed %d reports: %d succeeded, %d failed\n",
		stats.Total, stats.Succeeded, stats.Failed)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d reports failed", stats.Failed, stats.Total)
	}
	return nil
}
