package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
	"github.com/Mindburn-Labs/sentinel/pkg/store"
)

// runExportCmd implements `sentinel export`.
//
// Chains are reloaded from the SQL store at DATABASE_URL (or --db) and
// verified against every stored ledger key before they are written. Chains
// that fail verification are left out and reported on stderr.
//
// Exit codes:
//
//	0 = export written, every chain verified
//	1 = export written, some chains failed verification
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		format  string
		outPath string
		dbURL   string
	)
	cmd.StringVar(&format, "format", "json", "Export format: json or csv")
	cmd.StringVar(&outPath, "out", "", "Output file (default stdout)")
	cmd.StringVar(&dbURL, "db", os.Getenv("DATABASE_URL"), "Database URL (default $DATABASE_URL)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	f, err := forensics.ParseFormat(format)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if dbURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --db or DATABASE_URL is required")
		return 2
	}

	ctx := context.Background()
	doc, skipped, err := loadVerified(ctx, dbURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := forensics.EncodeDocument(doc, f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath == "" {
		_, _ = stdout.Write(data)
	} else {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write export: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Exported %d chains to %s\n", len(doc.Chains), outPath)
	}

	for id, reason := range skipped {
		_, _ = fmt.Fprintf(stderr, "Warning: chain %s left out: %s\n", id, reason)
	}
	if len(skipped) > 0 {
		return 1
	}
	return 0
}

// loadVerified loads the persisted ledger and keeps the chains that verify
// against the stored keys.
func loadVerified(ctx context.Context, dbURL string) (*forensics.ExportDocument, map[string]string, error) {
	db, err := store.Open(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = db.Close() }()

	entries := store.NewSQLEntryStore(db)
	keys, err := entries.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	doc, err := entries.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	scratch, err := forensics.New(forensics.DefaultConfig(), forensics.WithLogger(quietLogger()))
	if err != nil {
		return nil, nil, err
	}
	for _, k := range keys {
		if _, err := scratch.TrustKey(k.PublicKey); err != nil {
			return nil, nil, fmt.Errorf("stored key %s: %w", k.ID, err)
		}
	}
	report := scratch.ImportDocument(ctx, doc)

	kept := doc.Chains[:0]
	for _, ce := range doc.Chains {
		if _, bad := report.Skipped[ce.ID]; !bad {
			ce.IntegrityVerified = true
			kept = append(kept, ce)
		}
	}
	doc.Chains = kept
	doc.IntegrityVerified = len(report.Skipped) == 0
	return doc, report.Skipped, nil
}
