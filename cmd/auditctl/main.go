// Command auditctl is a read-only operator tool for querying gridguard's
// audit trail: by request id, by the support_ticket_id a refusal response
// handed back to a caller, or by user id within a time window. Results
// print as JSON; an optional --filter expression runs them through a jq
// query before printing, so an operator can shape the output without
// writing a one-off script.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/itchyny/gojq"
	"github.com/jmoiron/sqlx"

	"github.com/gridguard/gridguard/internal/config"
	"github.com/gridguard/gridguard/pkg/audit"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "auditctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	requestID := fs.String("request-id", "", "look up a single audit trail by request id")
	supportTicket := fs.String("support-ticket", "", "look up a single audit trail by the support_ticket_id a refusal returned")
	userID := fs.String("user-id", "", "look up a user's audit trail")
	since := fs.Duration("since", 24*time.Hour, "how far back to look, for -user-id")
	limit := fs.Int("limit", 100, "max records to return, for -user-id")
	filterExpr := fs.String("filter", "", "a jq filter applied to the result before printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *requestID == "" && *supportTicket == "" && *userID == "" {
		return fmt.Errorf("one of -request-id, -support-ticket, or -user-id is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sqlDB, err := sql.Open("pgx", cfg.AuditDBURL)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer sqlDB.Close()
	store := audit.NewPostgresStore(sqlx.NewDb(sqlDB, "pgx"))

	ctx := context.Background()
	lookupID := *requestID
	if lookupID == "" && *supportTicket != "" {
		lookupID = strings.TrimPrefix(*supportTicket, "audit-")
	}

	var records []*audit.Record
	switch {
	case lookupID != "":
		records, err = store.ByRequestID(ctx, lookupID)
	default:
		records, err = store.ByUserID(ctx, *userID, time.Now().Add(-*since), *limit)
	}
	if err != nil {
		return fmt.Errorf("query audit store: %w", err)
	}

	return printRecords(os.Stdout, records, *filterExpr)
}

func printRecords(w *os.File, records []*audit.Record, filterExpr string) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	if filterExpr == "" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	query, err := gojq.Parse(filterExpr)
	if err != nil {
		return fmt.Errorf("parse filter: %w", err)
	}

	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("decode records for filtering: %w", err)
	}

	iter := query.Run(input)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("apply filter: %w", err)
		}
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode filtered result: %w", err)
		}
	}
	return nil
}
