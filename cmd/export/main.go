// Command export dumps labelled loan decisions from the audit database as
// model training data.
//
// Usage:
//
//	go run ./cmd/export                       # CSV to stdout
//	go run ./cmd/export -format jsonl -out training.jsonl
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ksp2701/chaintrust/internal/audit"
	"github.com/ksp2701/chaintrust/internal/logging"
)

func main() {
	format := flag.String("format", "csv", "output format: csv or jsonl")
	out := flag.String("out", "", "output file (default stdout)")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall export deadline")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	write, err := writerFor(*format)
	if err != nil {
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	n, err := export(ctx, dbURL, *out, write)
	if err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1) //nolint:gocritic // cancel only releases the timer
	}
	logger.Info("export complete", "rows", n, "format", *format)
}

func writerFor(format string) (func(io.Writer, []map[string]any) error, error) {
	switch format {
	case "csv":
		return audit.WriteCSV, nil
	case "jsonl":
		return audit.WriteJSONL, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func export(ctx context.Context, dbURL, out string, write func(io.Writer, []map[string]any) error) (int, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("connect to database: %w", err)
	}

	rows, err := audit.NewService(audit.NewPostgresStore(db)).ExportLabeledRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("load labelled rows: %w", err)
	}

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return 0, err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := write(w, rows); err != nil {
		return 0, fmt.Errorf("write %d rows: %w", len(rows), err)
	}
	return len(rows), nil
}
