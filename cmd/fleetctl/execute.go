package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var operations = map[string]string{
	"execute-all":    "/api/orders/execute-all",
	"exit-all":       "/api/orders/exit-all",
	"exit-positions": "/api/orders/exit-positions",
}

type executeOptions struct {
	server    string
	operation string
	dryRun    bool
	asJSON    bool
	timeout   time.Duration
}

func newExecuteCmd(global *globalOptions) *cobra.Command {
	opts := &executeOptions{}

	cmd := &cobra.Command{
		Use:   "execute <file.json>",
		Short: "Submit an order batch and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.server == "" {
				opts.server = fmt.Sprintf("http://localhost:%d", global.cfg.Port)
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read batch file: %w", err)
			}
			report, raw, err := submitBatch(cmd.Context(), opts, body)
			if err != nil {
				return err
			}
			global.log.Debug().Str("request_id", report.RequestID).Msg("Batch completed")
			if opts.asJSON {
				var out bytes.Buffer
				if err := json.Indent(&out, raw, "", "  "); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out.String())
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "fleet server base URL (default http://localhost:$FLEET_PORT)")
	cmd.Flags().StringVar(&opts.operation, "operation", "execute-all", "execute-all, exit-all or exit-positions")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "obtain sessions but place no orders")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the raw report")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	return cmd
}

func submitBatch(ctx context.Context, opts *executeOptions, body []byte) (*domain.BatchReport, []byte, error) {
	path, ok := operations[opts.operation]
	if !ok {
		return nil, nil, fmt.Errorf("unknown operation %q", opts.operation)
	}
	if !gjson.ValidBytes(body) {
		return nil, nil, fmt.Errorf("batch file is not valid JSON")
	}
	if opts.dryRun {
		var req map[string]interface{}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, nil, fmt.Errorf("batch file must be a JSON object: %w", err)
		}
		req["dryRun"] = true
		body, _ = json.Marshal(req)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	url := strings.TrimRight(opts.server, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	var report domain.BatchReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, raw, nil
}

func writeReport(w io.Writer, report *domain.BatchReport) error {
	fmt.Fprintf(w, "batch %s  %s %s  workers=%d  %.0fms\n",
		report.RequestID, report.Exchange, report.Symbol, report.Metadata.Workers, report.Metadata.DurationMs)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tSIDE\tQTY\tORDER ID\tERROR")
	for _, o := range report.Outcomes {
		errText := ""
		if o.ErrorKind != "" {
			errText = fmt.Sprintf("%s: %s", o.ErrorKind, o.ErrorMessage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", o.AccountID, o.Status, o.TransactionType, o.Quantity, o.BrokerOrderID, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := report.Summary
	_, err := fmt.Fprintf(w, "total=%d placed=%d failed=%d skipped=%d\n", s.Total, s.Placed, s.Failed, s.Skipped)
	return err
}
