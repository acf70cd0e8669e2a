// Package records implements the records command group: listing the
// inspection history, overriding a verdict and printing the analytics summary.
package records

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"

	"github.com/markscan/markscan/cmd/output"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/inspection"
)

// Command creates the records command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Browse and correct the inspection history",
	}
	cmd.AddCommand(listCommand(settings), overrideCommand(settings), statsCommand(settings))
	return cmd
}

// OpenStore opens the configured record backend.
func OpenStore(settings *conf.Settings) (datastore.Interface, error) {
	ds, err := datastore.New(settings)
	if err != nil {
		return nil, err
	}
	if err := ds.Open(); err != nil {
		return nil, err
	}
	return ds, nil
}

func withStore(settings *conf.Settings, fn func(datastore.Interface) error) error {
	ds, err := OpenStore(settings)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()
	return fn(ds)
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var (
		f      datastore.Filter
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inspection records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.Validate(format, output.FormatTable, output.FormatJSON, output.FormatYAML); err != nil {
				return err
			}
			f.Result = foldResult(f.Result)
			if f.Result != "" && !datastore.ValidResult(f.Result) {
				return fmt.Errorf("result must be one of pass, fail, overridden")
			}
			return withStore(settings, func(ds datastore.Interface) error {
				return List(cmd.Context(), ds, f, format, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&f.Result, "result", "", "Only records with this result: pass, fail, overridden")
	cmd.Flags().StringVarP(&f.Query, "query", "q", "", "Match part number, lot id or vendor")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum number of records, 0 for all")
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatTable, "Output format: table, json, yaml")
	return cmd
}

// List writes the records matching f to w.
func List(ctx context.Context, ds datastore.Interface, f datastore.Filter, format string, w io.Writer) error {
	records, err := ds.List(ctx, f)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Write(w, format, records)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.CreatedAt.Local().Format(time.DateTime),
			r.Vendor,
			r.LotID,
			r.PartNumber,
			r.Operator,
			r.Result,
			strconv.FormatFloat(r.Confidence*100, 'f', 1, 64) + "%",
		})
	}
	return output.Table(w, []string{"ID", "CREATED", "VENDOR", "LOT", "PART", "OPERATOR", "RESULT", "CONFIDENCE"}, rows)
}

func overrideCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "override <id> <result>",
		Short: "Set the result of one record, e.g. approve a flagged part as overridden",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 0)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return withStore(settings, func(ds datastore.Interface) error {
				return Override(cmd.Context(), ds, uint(id), args[1], cmd.OutOrStdout())
			})
		},
	}
}

// foldResult accepts results typed as "PASS" or " Fail ".
func foldResult(result string) string {
	return cases.Fold().String(strings.TrimSpace(result))
}

// Override changes the result of record id and reports the change on w.
func Override(ctx context.Context, ds datastore.Interface, id uint, result string, w io.Writer) error {
	result = foldResult(result)
	if !datastore.ValidResult(result) {
		return fmt.Errorf("result must be one of pass, fail, overridden")
	}
	rec, err := ds.UpdateResult(ctx, id, result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "record %d (%s, lot %s, part %s) is now %s\n", rec.ID, rec.Vendor, rec.LotID, rec.PartNumber, rec.Result)
	return err
}

func statsCommand(settings *conf.Settings) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pass rates per vendor and the busiest lots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.Validate(format, output.FormatTable, output.FormatJSON, output.FormatYAML); err != nil {
				return err
			}
			return withStore(settings, func(ds datastore.Interface) error {
				return Stats(cmd.Context(), ds, format, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatTable, "Output format: table, json, yaml")
	return cmd
}

// Stats writes the analytics summary of every record to w.
func Stats(ctx context.Context, ds datastore.Interface, format string, w io.Writer) error {
	all, err := ds.ListAll(ctx)
	if err != nil {
		return err
	}
	s := inspection.Summarize(all)
	if format != output.FormatTable {
		return output.Write(w, format, s)
	}

	if _, err := fmt.Fprintf(w, "%d scans, %d passed, %d failed, pass rate %.1f%%, average confidence %.1f%%\n\n",
		s.TotalScans, s.Passed, s.Failed, s.PassRate, s.AvgConfidence); err != nil {
		return err
	}
	rows := make([][]string, 0, len(s.Vendors))
	for _, v := range s.Vendors {
		rows = append(rows, []string{
			v.Vendor,
			strconv.Itoa(v.Total),
			strconv.Itoa(v.Passed),
			strconv.Itoa(v.Failed),
			strconv.FormatFloat(v.PassRate, 'f', 1, 64) + "%",
			strconv.Itoa(v.Lots),
			v.Rating,
		})
	}
	return output.Table(w, []string{"VENDOR", "SCANS", "PASSED", "FAILED", "PASS RATE", "LOTS", "RATING"}, rows)
}
