package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
)

var errArchiveMismatch = errors.New("archived blob does not match its reference")

// ChainResult is the verification outcome of one exported chain.
type ChainResult struct {
	ID       string `json:"id"`
	Entries  int    `json:"entries"`
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyReport is printed by `sentinel verify --json`.
type VerifyReport struct {
	File       string        `json:"file,omitempty"`
	ArchiveRef string        `json:"archive_ref,omitempty"`
	ExportID   string        `json:"export_id"`
	KeyID      string        `json:"key_id"`
	Verified   bool          `json:"verified"`
	Chains     []ChainResult `json:"chains"`
}

// runVerifyCmd implements `sentinel verify`.
//
// The export is imported into a scratch ledger that trusts only the
// document's own key, so every chain is checked for hash links and
// signatures. With --archive-ref the document is read from the configured
// archive backend instead of a file, after checking that its bytes hash to
// the reference.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		archiveRef string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to a JSON ledger export")
	cmd.StringVar(&archiveRef, "archive-ref", "", "Reference of an archived chain segment (sha256:...)")
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file selecting the archive backend")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (file == "") == (archiveRef == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --file or --archive-ref is required")
		return 2
	}

	ctx := context.Background()
	var (
		raw []byte
		err error
	)
	if file != "" {
		raw, err = os.ReadFile(file)
	} else {
		raw, err = readArchived(ctx, configPath, archiveRef)
	}
	if errors.Is(err, errArchiveMismatch) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	doc, err := forensics.DecodeExport(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := verifyDocument(ctx, doc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report.File = file
	report.ArchiveRef = archiveRef

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printVerifyReport(stdout, report)
	}
	if !report.Verified {
		return 1
	}
	return 0
}

// readArchived fetches ref from the archive backend the config selects.
func readArchived(ctx context.Context, configPath, ref string) ([]byte, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !cfg.Archive.Enabled() {
		return nil, fmt.Errorf("archive disabled (SENTINEL_ARCHIVE_TYPE=%s)", cfg.Archive.Type)
	}
	blobs, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if c, ok := blobs.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	ok, err := blobs.Exists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, ref)
	}
	raw, err := blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if crypto.HashBytes(raw) != ref {
		return nil, fmt.Errorf("%w: %s", errArchiveMismatch, ref)
	}
	return raw, nil
}

// verifyDocument imports doc into a scratch ledger trusting doc's key.
func verifyDocument(ctx context.Context, doc *forensics.ExportDocument) (*VerifyReport, error) {
	scratch, err := forensics.New(forensics.DefaultConfig(), forensics.WithLogger(quietLogger()))
	if err != nil {
		return nil, err
	}
	keyID, err := scratch.TrustKey(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("document key: %w", err)
	}

	imported := scratch.ImportDocument(ctx, doc)
	report := &VerifyReport{
		ExportID: doc.ExportID,
		KeyID:    keyID,
		Verified: imported.Err() == nil,
	}
	for _, ce := range doc.Chains {
		res := ChainResult{ID: ce.ID, Entries: len(ce.Entries), Verified: true}
		if reason, skipped := imported.Skipped[ce.ID]; skipped {
			res.Verified = false
			res.Reason = reason
		}
		report.Chains = append(report.Chains, res)
	}
	return report, nil
}

func printVerifyReport(w io.Writer, r *VerifyReport) {
	if r.Verified {
		_, _ = fmt.Fprintln(w, "Ledger export verification PASSED")
	} else {
		_, _ = fmt.Fprintln(w, "Ledger export verification FAILED")
	}
	if r.ArchiveRef != "" {
		_, _ = fmt.Fprintf(w, "Archive: %s\n", r.ArchiveRef)
	} else {
		_, _ = fmt.Fprintf(w, "File:   %s\n", r.File)
	}
	_, _ = fmt.Fprintf(w, "Export: %s\n", r.ExportID)
	_, _ = fmt.Fprintf(w, "Key:    %s\n", r.KeyID)
	for _, c := range r.Chains {
		status := "ok"
		if !c.Verified {
			status = "FAILED: " + c.Reason
		}
		_, _ = fmt.Fprintf(w, "  - %s (%d entries): %s\n", c.ID, c.Entries, status)
	}
}
