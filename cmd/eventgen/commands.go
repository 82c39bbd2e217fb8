package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jobmatch/eventgen/internal/app"
	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ingest"
	"github.com/jobmatch/eventgen/internal/warehouse"
)

func newLoadCmd(flags *cliFlags) *cobra.Command {
	var (
		file           string
		skipValidation bool
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Generate a batch and bulk load it as one atomic job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			out := cmd.OutOrStdout()
			started := ingest.WithJobStarted(func(id string) {
				fmt.Fprintf(out, "Started load job: %s\n", id)
			})

			var rep ingest.Report
			if file != "" {
				loader, err := a.BulkLoader(started)
				if err != nil {
					return err
				}
				res, err := loader.LoadFile(cmd.Context(), file)
				if err != nil {
					return err
				}
				rep = res.Report(a.Table(), int(res.RowsLoaded))
			} else {
				sink, err := a.Sink(ingest.SinkLoad, started)
				if err != nil {
					return err
				}
				if rep, err = a.Run(cmd.Context(), sink); err != nil {
					return err
				}
			}
			printLoadReport(out, rep)

			if skipValidation {
				return nil
			}
			return runValidate(cmd, a)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Load an existing record file or staged object URI instead of generating one")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Do not print event counts after loading")
	return cmd
}

func printLoadReport(w io.Writer, rep ingest.Report) {
	if rep.RowsInTable < 0 {
		fmt.Fprintf(w, "Load complete. Loaded %d rows in this job. Table row count unavailable.\n", rep.RowsWritten)
	} else {
		fmt.Fprintf(w, "Load complete. Table now has %d rows. Loaded %d rows in this job.\n",
			rep.RowsInTable, rep.RowsWritten)
		fmt.Fprintf(w, "Rows before: %d, after: %d\n", rep.RowsBefore, rep.RowsInTable)
	}
	if rep.File != "" {
		fmt.Fprintf(w, "Record file: %s\n", rep.File)
	}
}

func newInsertCmd(flags *cliFlags) *cobra.Command {
	var maxErrors int
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Generate a batch and stream it in one insert call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			sink, err := a.Sink(ingest.SinkInsert)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			rep, err := a.Run(cmd.Context(), sink)
			if len(rep.RowErrors) > 0 {
				printRowErrors(out, rep.RowErrors, maxErrors)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Inserted %d rows into %s successfully.\n", rep.RowsWritten, a.Table())
			return nil
		},
	}
	cmd.Flags().IntVar(&maxErrors, "max-errors", 10, "Row errors to print")
	return cmd
}

func printRowErrors(w io.Writer, errs []warehouse.RowError, limit int) {
	fmt.Fprintln(w, "Insert had errors:")
	for i, e := range errs {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "  ... and %d more\n", len(errs)-limit)
			return
		}
		fmt.Fprintf(w, "  %v\n", e)
	}
}

func newValidateCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Print event counts by name ingested over the last 2 days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)
			return runValidate(cmd, a)
		},
	}
}

func runValidate(cmd *cobra.Command, a *app.App) error {
	counts, err := a.Validate(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Event counts over the last 2 days:")
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "event_name\tcount")
	for _, c := range counts {
		fmt.Fprintf(tw, "%s\t%d\n", c.EventName, c.Count)
	}
	return tw.Flush()
}

func newInitEmulatorCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-emulator",
		Short: "Create the destination table in the local warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if err := a.InitEmulator(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Table %s is ready.\n", a.Table())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventgen version %s (commit: %s)\n", version, commit)
		},
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case apperrors.GetCategory(err) == apperrors.ErrCategoryConfig:
		return 2
	default:
		return 1
	}
}
