package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/relaycache/internal/auth"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultIngestBatchSize = 500
	maxIngestLineBytes     = 16 * 1024 * 1024
)

func newIngestCommand() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Store newline-delimited JSON events from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				input = file
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := ingest(cmd, rt, input, batchSize)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", defaultIngestBatchSize, "Events per transaction")
	return cmd
}

type ingestReport struct {
	Read            int   `json:"read"`
	Skipped         int   `json:"skipped"`
	Batches         int   `json:"batches"`
	AcceptedBatches int   `json:"accepted_batches"`
	StoredBefore    int64 `json:"stored_before"`
	StoredAfter     int64 `json:"stored_after"`
}

func ingest(cmd *cobra.Command, rt *appRuntime, input io.Reader, batchSize int) (ingestReport, error) {
	if batchSize <= 0 {
		batchSize = defaultIngestBatchSize
	}
	ctx := cmd.Context()
	report := ingestReport{StoredBefore: rt.store.Count(ctx, nostr.Filter{})}

	flush := func(batch []*nostr.Event) error {
		if len(batch) == 0 {
			return nil
		}
		accepted, err := rt.store.EventBatch(ctx, batch)
		if err != nil {
			return err
		}
		report.Batches++
		if accepted {
			report.AcceptedBatches++
		}
		return nil
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxIngestLineBytes)
	batch := make([]*nostr.Event, 0, batchSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil || ev.ID == "" {
			rt.logger.Warn("skipping undecodable event", zap.Int("line", line), zap.Error(err))
			report.Skipped++
			continue
		}
		report.Read++
		batch = append(batch, &ev)
		if len(batch) == batchSize {
			if err := flush(batch); err != nil {
				return report, err
			}
			batch = make([]*nostr.Event, 0, batchSize)
		}
	}
	if err := scanner.Err(); err != nil {
		return report, err
	}
	if err := flush(batch); err != nil {
		return report, err
	}
	report.StoredAfter = rt.store.Count(ctx, nostr.Filter{})
	return report, nil
}

func newReqCommand() *cobra.Command {
	var rawFilter, requestID string
	cmd := &cobra.Command{
		Use:   "req",
		Short: "Print events matching a filter as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(rawFilter)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rt.logger.Debug("request answered", zap.String("request_id", requestID), zap.Int("events", len(result)))
			for _, ev := range result {
				if err := writeJSON(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawFilter, "filter", "{}", "Filter as JSON")
	cmd.Flags().StringVar(&requestID, "id", "cli", "Request identifier used in logs")
	return cmd
}

func newCountCommand() *cobra.Command {
	var rawFilter string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count events matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(rawFilter)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			total, err := rt.store.CountEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"count": total})
		},
	}
	cmd.Flags().StringVar(&rawFilter, "filter", "{}", "Filter as JSON")
	return cmd
}

func newSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print stored event counts per kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return writeJSON(cmd.OutOrStdout(), rt.store.Summary(cmd.Context()))
		},
	}
}

func newDumpCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Export the database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(output) == "" {
				return errors.New("--output is required")
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			contents := rt.store.Dump()
			if len(contents) == 0 {
				return errors.New("database export produced no data")
			}
			if err := os.WriteFile(output, contents, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(contents), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")
	return cmd
}

func newSQLCommand() *cobra.Command {
	var statement string
	var params []string
	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Run a raw read statement and print its rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			values := make([]any, 0, len(params))
			for _, param := range params {
				values = append(values, param)
			}
			rows, err := rt.store.SQL(cmd.Context(), statement, values...)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := writeJSON(cmd.OutOrStdout(), row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&statement, "query", "q", "", "SQL statement")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Positional parameter (repeatable)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Delete superseded replaceable events",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			removed, err := rt.store.Compact(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        auth.DefaultIssuer,
				Audience:      auth.DefaultAudience,
				TokenTTL:      viper.GetDuration("auth.token_ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().Duration("ttl", viper.GetDuration("auth.token_ttl"), "Token lifetime")
	if err := viper.BindPFlag("auth.token_ttl", cmd.Flags().Lookup("ttl")); err != nil {
		panic(err)
	}
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func parseFilter(raw string) (nostr.Filter, error) {
	var filter nostr.Filter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		return nostr.Filter{}, fmt.Errorf("invalid filter: %w", err)
	}
	return filter, nil
}

func writeJSON(w io.Writer, value any) error {
	return json.NewEncoder(w).Encode(value)
}
