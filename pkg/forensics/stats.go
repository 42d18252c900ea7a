package forensics

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

// Statistics aggregates the ledger contents.
type Statistics struct {
	TotalEntries         int                        `json:"total_entries"`
	TotalChains          int                        `json:"total_chains"`
	CurrentChainID       string                     `json:"current_chain_id"`
	EntriesByType        map[EntryType]int          `json:"entries_by_type"`
	EntriesBySeverity    map[contracts.Severity]int `json:"entries_by_severity"`
	AverageEntriesPerDay float64                    `json:"average_entries_per_day"`
	IntegrityVerified    bool                       `json:"integrity_verified"`
	StorageBytes         int64                      `json:"storage_bytes"`
	OldestEntry          time.Time                  `json:"oldest_entry,omitempty"`
	NewestEntry          time.Time                  `json:"newest_entry,omitempty"`
}

// GetStatistics reports counts and the aggregate integrity flag. It does
// not re-verify; the flag reflects the last verification or append.
// The average per day is taken over the days since the oldest chain was
// created, with a floor of one day.
func (l *Ledger) GetStatistics() Statistics {
	stats := Statistics{
		EntriesByType:     make(map[EntryType]int),
		EntriesBySeverity: make(map[contracts.Severity]int),
		IntegrityVerified: true,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	stats.CurrentChainID = l.currentID
	var oldestChain time.Time
	for _, c := range l.snapshotChains() {
		c.mu.RLock()
		stats.TotalChains++
		if oldestChain.IsZero() || c.createdAt.Before(oldestChain) {
			oldestChain = c.createdAt
		}
		if !c.integrityVerified {
			stats.IntegrityVerified = false
		}
		for _, e := range c.entries {
			stats.TotalEntries++
			stats.EntriesByType[e.Type]++
			stats.EntriesBySeverity[e.Severity]++
			if stats.OldestEntry.IsZero() || e.Timestamp.Before(stats.OldestEntry) {
				stats.OldestEntry = e.Timestamp
			}
			if e.Timestamp.After(stats.NewestEntry) {
				stats.NewestEntry = e.Timestamp
			}
			if raw, err := json.Marshal(e); err == nil {
				stats.StorageBytes += int64(len(raw))
			}
		}
		c.mu.RUnlock()
	}

	if stats.TotalEntries > 0 && !oldestChain.IsZero() {
		days := l.clock().Sub(oldestChain).Hours() / 24
		if days < 1 {
			days = 1
		}
		stats.AverageEntriesPerDay = float64(stats.TotalEntries) / days
	}
	return stats
}
