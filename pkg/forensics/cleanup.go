package forensics

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

// CleanupReport describes one retention pass.
type CleanupReport struct {
	Cutoff         time.Time         `json:"cutoff"`
	RemovedEntries int               `json:"removed_entries"`
	PurgedChains   []string          `json:"purged_chains"`
	ArchiveRefs    map[string]string `json:"archive_refs,omitempty"`
}

type pruneCandidate struct {
	chainID   string
	count     int
	segment   ChainExport
	anchorSig string
}

// Cleanup drops entries older than maxAge. Entries are pruned from the front
// of each chain only, so the pruned chain stays linked: the hash of the last
// removed entry becomes the chain's anchor, sealed with the ledger key.
// Chains left empty are purged unless current. Pruned segments go to the
// archive sink first, and a SYSTEM_EVENT on the current chain records the
// pass.
func (l *Ledger) Cleanup(ctx context.Context, maxAge time.Duration) (*CleanupReport, error) {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	report := &CleanupReport{Cutoff: l.clock().UTC().Add(-maxAge), PurgedChains: []string{}}
	candidates := l.pruneCandidates(report.Cutoff)
	if len(candidates) == 0 {
		return report, nil
	}

	for i := range candidates {
		sig, err := SignAnchor(candidates[i].chainID, candidates[i].segment.HeadHash, l.signer)
		if err != nil {
			return nil, err
		}
		candidates[i].anchorSig = sig
	}

	// Entries are only ever appended, and cleanupMu excludes other passes, so
	// the prefixes picked above are unchanged while archiving.
	if l.archive != nil {
		report.ArchiveRefs = make(map[string]string)
		for _, cand := range candidates {
			raw, err := marshalDocument(l.newDocument([]ChainExport{cand.segment}, cand.segment.IntegrityVerified))
			if err != nil {
				return nil, err
			}
			ref, err := l.archive.Store(ctx, raw)
			if err != nil {
				l.logger.WarnContext(ctx, "pruned segment archive failed", "chain_id", cand.chainID, "error", err)
				continue
			}
			report.ArchiveRefs[cand.chainID] = ref
		}
	}

	var removedIDs []string
	anchors := make(map[string]string, len(candidates))
	l.mu.Lock()
	for _, cand := range candidates {
		c, ok := l.chains[cand.chainID]
		if !ok {
			continue
		}
		c.mu.Lock()
		removed := c.entries[:cand.count]
		for _, e := range removed {
			removedIDs = append(removedIDs, e.ID)
		}
		c.anchorHash = removed[len(removed)-1].CurrentHash
		c.anchorSignature = cand.anchorSig
		c.entries = append([]*Entry(nil), c.entries[cand.count:]...)
		if len(c.entries) == 0 {
			c.headHash = c.anchorHash
		}
		if ref, ok := report.ArchiveRefs[c.id]; ok {
			c.archiveRef = ref
		}
		report.RemovedEntries += len(removed)
		anchors[c.id] = c.anchorHash
		purge := len(c.entries) == 0 && c.id != l.currentID
		if purge {
			c.state = ChainPurged
		}
		c.mu.Unlock()

		if purge {
			delete(l.chains, c.id)
			l.order = removeID(l.order, c.id)
			report.PurgedChains = append(report.PurgedChains, c.id)
		}
	}
	l.mu.Unlock()

	l.idxMu.Lock()
	for _, id := range removedIDs {
		delete(l.index, id)
	}
	l.idxMu.Unlock()

	l.logger.InfoContext(ctx, "retention cleanup",
		"cutoff", report.Cutoff,
		"removed_entries", report.RemovedEntries,
		"purged_chains", len(report.PurgedChains),
	)

	data := map[string]any{
		"event":           "entries_pruned",
		"cutoff":          report.Cutoff.Format(time.RFC3339Nano),
		"removed_entries": report.RemovedEntries,
		"purged_chains":   report.PurgedChains,
	}
	if len(anchors) > 0 {
		data["anchors"] = anchors
	}
	if len(report.ArchiveRefs) > 0 {
		data["archive_refs"] = report.ArchiveRefs
	}
	if _, err := l.LogEvent(ctx, EntrySystemEvent, contracts.SeverityLow, systemSource, data,
		&Metadata{Tags: []string{"retention"}}); err != nil {
		return report, err
	}
	return report, nil
}

func (l *Ledger) pruneCandidates(cutoff time.Time) []pruneCandidate {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []pruneCandidate
	for _, c := range l.snapshotChains() {
		c.mu.RLock()
		n := 0
		for n < len(c.entries) && c.entries[n].Timestamp.Before(cutoff) {
			n++
		}
		if n > 0 {
			seg := c.export()
			seg.Entries = seg.Entries[:n]
			seg.HeadHash = seg.Entries[n-1].CurrentHash
			out = append(out, pruneCandidate{chainID: c.id, count: n, segment: seg})
		}
		c.mu.RUnlock()
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
