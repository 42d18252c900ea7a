package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
	"github.com/Mindburn-Labs/sentinel/pkg/sentinel"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"sentinel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verify")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)

	code, _, errOut := run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")
}

func writeExport(t *testing.T, mutate func(doc *forensics.ExportDocument)) string {
	t.Helper()
	l, err := forensics.New(forensics.DefaultConfig(), forensics.WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = l.LogAttack(ctx, contracts.AttackEvent{ID: "a1", Type: "sybil", NodeID: "n1", Severity: contracts.SeverityHigh})
	require.NoError(t, err)
	_, err = l.RotateChain(ctx, "test")
	require.NoError(t, err)
	_, err = l.LogEvent(ctx, forensics.EntryNodeJoined, contracts.SeverityLow, "membership", map[string]any{"node_id": "n2"}, nil)
	require.NoError(t, err)

	doc := l.Export()
	if mutate != nil {
		mutate(doc)
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestVerify_Passes(t *testing.T) {
	path := writeExport(t, nil)

	code, out, errOut := run("verify", "--file", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "PASSED")

	code, out, _ = run("verify", "--file", path, "--json")
	require.Equal(t, 0, code)
	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Verified)
	assert.Len(t, report.Chains, 2)
	for _, c := range report.Chains {
		assert.True(t, c.Verified, c.ID)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	var tampered string
	path := writeExport(t, func(doc *forensics.ExportDocument) {
		e := doc.Chains[0].Entries[1]
		e.Source = "forged"
		tampered = doc.Chains[0].ID
	})

	code, out, _ := run("verify", "--file", path, "--json")
	require.Equal(t, 1, code)
	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Verified)

	var failed []string
	for _, c := range report.Chains {
		if !c.Verified {
			failed = append(failed, c.ID)
			assert.NotEmpty(t, c.Reason)
		}
	}
	assert.Equal(t, []string{tampered}, failed)
}

func TestVerify_ArchiveRef(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("SENTINEL_ARCHIVE_TYPE", "fs")
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("DATABASE_URL", "")

	blobs, err := archive.NewFileStore(filepath.Join(dataDir, "archive"))
	require.NoError(t, err)
	l, err := forensics.New(forensics.DefaultConfig(), forensics.WithLogger(quietLogger()), forensics.WithArchive(blobs))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = l.LogAttack(ctx, contracts.AttackEvent{ID: "a1", Type: "sybil", NodeID: "n1", Severity: contracts.SeverityHigh})
	require.NoError(t, err)
	_, err = l.RotateChain(ctx, "archive me")
	require.NoError(t, err)
	ref := l.GetChainInfo()[0].ArchiveRef
	require.NotEmpty(t, ref)

	code, out, errOut := run("verify", "--archive-ref", ref, "--json")
	require.Equal(t, 0, code, errOut)
	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Verified)
	assert.Equal(t, ref, report.ArchiveRef)
	require.Len(t, report.Chains, 1)
	assert.Equal(t, 2, report.Chains[0].Entries)

	code, _, errOut = run("verify", "--archive-ref", "sha256:"+strings.Repeat("0", 64))
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "not found")

	blob := filepath.Join(dataDir, "archive", strings.TrimPrefix(ref, "sha256:")+".json")
	raw, err := os.ReadFile(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(blob, bytes.Replace(raw, []byte("sybil"), []byte("sybyl"), 1), 0o600))
	code, _, errOut = run("verify", "--archive-ref", ref)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "does not match its reference")

	t.Setenv("SENTINEL_ARCHIVE_TYPE", "none")
	code, _, errOut = run("verify", "--archive-ref", ref)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "archive disabled")
}

func TestVerify_UsageErrors(t *testing.T) {
	code, _, errOut := run("verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "exactly one of --file or --archive-ref")

	code, _, _ = run("verify", "--file", "x.json", "--archive-ref", "sha256:00")
	assert.Equal(t, 2, code)

	code, _, _ = run("verify", "--file", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 2, code)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"chains": 3}`), 0o600))
	code, _, errOut = run("verify", "--file", bad)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "invalid export document")
}

// populate runs a service against a fresh SQLite database and returns its
// URL.
func populate(t *testing.T) string {
	t.Helper()
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "sentinel.db")
	cfg := config.Default()
	cfg.Storage.DatabaseURL = dbURL
	ctx := context.Background()

	svc, err := sentinel.New(ctx, cfg, sentinel.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	_, err = svc.ReportAttack(ctx, contracts.AttackEvent{ID: "a1", Type: "eclipse", NodeID: "n1", Severity: contracts.SeverityMedium, Mitigation: "drop peers"})
	require.NoError(t, err)
	_, _, err = svc.ReportNodeJoined(ctx, "n2", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx))
	return dbURL
}

func TestExport_RoundTripsThroughVerify(t *testing.T) {
	dbURL := populate(t)
	out := filepath.Join(t.TempDir(), "ledger.json")

	code, stdout, errOut := run("export", "--db", dbURL, "--out", out)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, stdout, "Exported 1 chains")

	code, _, errOut = run("verify", "--file", out)
	assert.Equal(t, 0, code, errOut)
}

func TestExport_CSV(t *testing.T) {
	t.Setenv("DATABASE_URL", populate(t))

	code, stdout, errOut := run("export", "--format", "csv")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Equal(t, "id,timestamp,sequence,type,severity,source,node_id,tags,data", lines[0])
	assert.Len(t, lines, 5, "header, chain creation, detection, mitigation, join")
}

func TestExport_UsageErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	code, _, errOut := run("export")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "DATABASE_URL is required")

	code, _, _ = run("export", "--format", "xml", "--db", "sqlite://x.db")
	assert.Equal(t, 2, code)
}

func TestServe_StartsAndStops(t *testing.T) {
	t.Setenv("SENTINEL_LOG_FORMAT", "json")
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "serve.db"))

	orig, prevLogger := signalContext, slog.Default()
	t.Cleanup(func() {
		signalContext = orig
		slog.SetDefault(prevLogger)
	})
	signalContext = func() (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx, cancel
	}

	code, out, errOut := run("serve")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"msg":"service started"`)
	assert.Contains(t, out, `"msg":"service stopped"`)
}

func TestServe_BadConfig(t *testing.T) {
	t.Setenv("SENTINEL_RATE_LIMIT", "fast")
	code, _, errOut := run("serve")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "config")
}
