package forensics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExportDataJSON(t *testing.T) {
	l, _, _ := seedQueryLedger(t)

	raw, err := l.ExportData(FormatJSON)
	require.NoError(t, err)

	doc, err := DecodeExport(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.FormatVersion)
	assert.Equal(t, l.PublicKey(), doc.PublicKey)
	assert.Equal(t, l.KeyID(), doc.KeyID)
	assert.Equal(t, "ed25519", doc.Algorithm)
	assert.True(t, doc.IntegrityVerified)
	require.Len(t, doc.Chains, 1)
	assert.Len(t, doc.Chains[0].Entries, 6)
	assert.Equal(t, ChainCurrent, doc.Chains[0].State)
}

func TestExportReportsBrokenIntegrity(t *testing.T) {
	l, chainID := threeEventChain(t)
	rawChain(t, l, chainID).entries[1].Source = "forged"

	doc := l.Export()
	assert.False(t, doc.IntegrityVerified)
}

func TestExportDataCSV(t *testing.T) {
	l, _, _ := seedQueryLedger(t)
	_, err := l.LogEvent(context.Background(), EntryAnomalyDetected, contracts.SeverityLow, "probe",
		map[string]string{"note": `comma, "quote"`}, &Metadata{Tags: []string{"a", "b"}})
	require.NoError(t, err)

	raw, err := l.ExportData(FormatCSV)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 8)
	assert.Equal(t, []string{"id", "timestamp", "sequence", "type", "severity", "source", "node_id", "tags", "data"}, rows[0])

	last := rows[len(rows)-1]
	assert.Equal(t, "7", last[2])
	assert.Equal(t, "ANOMALY_DETECTED", last[3])
	assert.Equal(t, "a;b", last[7])
	assert.JSONEq(t, `{"note":"comma, \"quote\""}`, last[8])
	assert.True(t, strings.HasSuffix(last[1], "Z"))
}

func TestExportDataUnknownFormat(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.ExportData(Format("xml"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestImportRoundTrip(t *testing.T) {
	src, _, _ := seedQueryLedger(t)
	_, err := src.RotateChain(context.Background(), "before export")
	require.NoError(t, err)
	raw, err := src.ExportData(FormatJSON)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	_, err = dst.TrustKey(src.PublicKey())
	require.NoError(t, err)

	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Len(t, report.Imported, 2)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 7, report.EntriesImported)

	ok, err := dst.VerifyChainIntegrity("")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.GreaterOrEqual(t, dst.Sequence(), src.Sequence())
	next, err := dst.LogEvent(context.Background(), EntrySystemEvent, contracts.SeverityLow, "x", nil, nil)
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, src.Sequence())

	for _, info := range dst.GetChainInfo()[1:] {
		assert.Equal(t, ChainArchived, info.State)
		assert.True(t, info.IntegrityVerified)
	}

	srcEntries, err := src.Entries(report.Imported[0])
	require.NoError(t, err)
	got, err := dst.GetEntry(srcEntries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, srcEntries[0].CurrentHash, got.CurrentHash)
	assert.Equal(t, srcEntries[0].Signature, got.Signature)
}

func TestImportRejectsUntrustedKey(t *testing.T) {
	src, _, _ := seedQueryLedger(t)
	raw, err := src.ExportData(FormatJSON)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, report.Imported)
	assert.Len(t, report.Skipped, 1)
	require.ErrorIs(t, report.Err(), ErrChainRejected)
	require.ErrorIs(t, report.Err(), ErrSignatureInvalid)
	assert.Len(t, dst.GetChainInfo(), 1)
}

func TestImportSkipsTamperedChainOnly(t *testing.T) {
	src, _, _ := seedQueryLedger(t)
	_, err := src.RotateChain(context.Background(), "split")
	require.NoError(t, err)
	doc := src.Export()
	require.Len(t, doc.Chains, 2)
	doc.Chains[0].Entries[2].Source = "forged"
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	_, err = dst.TrustKey(doc.PublicKey)
	require.NoError(t, err)
	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, []string{doc.Chains[1].ID}, report.Imported)
	require.Contains(t, report.Skipped, doc.Chains[0].ID)
	require.ErrorIs(t, report.Err(), ErrChainBroken)

	ok, err := dst.VerifyChainIntegrity("")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestImportRejectsTruncatedHead(t *testing.T) {
	src, _, _ := seedQueryLedger(t)
	doc := src.Export()
	require.Len(t, doc.Chains, 1)
	ce := &doc.Chains[0]
	ce.AnchorHash = ce.Entries[1].CurrentHash
	ce.Entries = ce.Entries[2:]
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	_, err = dst.TrustKey(doc.PublicKey)
	require.NoError(t, err)
	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, report.Imported)
	require.Contains(t, report.Skipped, ce.ID)
	require.ErrorIs(t, report.Err(), ErrChainBroken)
}

func TestImportRejectsRenamedChain(t *testing.T) {
	src, _, _ := seedQueryLedger(t)
	doc := src.Export()
	doc.Chains[0].ID = "renamed"
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	_, err = dst.TrustKey(doc.PublicKey)
	require.NoError(t, err)
	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, report.Imported)
	require.ErrorIs(t, report.Err(), ErrChainBroken)
}

func TestImportAcceptsPrunedChain(t *testing.T) {
	src, clock, _ := seedQueryLedger(t)
	clock.Advance(48 * time.Hour)
	_, err := src.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)

	doc := src.Export()
	require.Len(t, doc.Chains, 1)
	require.NotEmpty(t, doc.Chains[0].AnchorHash)
	require.NotEmpty(t, doc.Chains[0].AnchorSignature)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dst, _ := newTestLedger(t)
	_, err = dst.TrustKey(doc.PublicKey)
	require.NoError(t, err)
	report, err := dst.ImportData(context.Background(), raw)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, []string{doc.Chains[0].ID}, report.Imported)

	// The anchor and its seal move together.
	var tampered ExportDocument
	require.NoError(t, json.Unmarshal(raw, &tampered))
	tampered.Chains[0].AnchorSignature = ""
	raw, err = json.Marshal(&tampered)
	require.NoError(t, err)
	other, _ := newTestLedger(t)
	_, err = other.TrustKey(doc.PublicKey)
	require.NoError(t, err)
	report, err = other.ImportData(context.Background(), raw)
	require.NoError(t, err)
	require.ErrorIs(t, report.Err(), ErrChainBroken)
}

func TestImportSkipsExistingChain(t *testing.T) {
	l, _, _ := seedQueryLedger(t)
	raw, err := l.ExportData(FormatJSON)
	require.NoError(t, err)

	report, err := l.ImportData(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, report.Imported)
	require.ErrorIs(t, report.Err(), ErrChainRejected)
	assert.Len(t, l.GetChainInfo(), 1)
}

func TestDecodeExportValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	doc := l.Export()

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeExport([]byte("{"))
		require.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("missing chains", func(t *testing.T) {
		_, err := DecodeExport([]byte(`{"format_version":"1.0.0","public_key":"ab"}`))
		require.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("bad entry type", func(t *testing.T) {
		bad := *doc
		bad.Chains = []ChainExport{doc.Chains[0]}
		entry := *doc.Chains[0].Entries[0]
		entry.Type = "EXPLODED"
		bad.Chains[0].Entries = []*Entry{&entry}
		raw, err := json.Marshal(bad)
		require.NoError(t, err)
		_, err = DecodeExport(raw)
		require.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("future major version", func(t *testing.T) {
		future := *doc
		future.FormatVersion = "2.0.0"
		raw, err := json.Marshal(future)
		require.NoError(t, err)
		_, err = DecodeExport(raw)
		require.ErrorIs(t, err, ErrIncompatibleFormat)
	})

	t.Run("minor version accepted", func(t *testing.T) {
		minor := *doc
		minor.FormatVersion = "1.4.0"
		raw, err := json.Marshal(minor)
		require.NoError(t, err)
		_, err = DecodeExport(raw)
		require.NoError(t, err)
	})
}
