package forensics

import (
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

// QueryFilter selects entries. Zero-valued fields do not filter. Tags are
// ANDed: an entry must carry every listed tag.
type QueryFilter struct {
	ChainID     string
	Types       []EntryType
	Severities  []contracts.Severity
	MinSeverity contracts.Severity
	Source      string
	NodeID      string
	StartTime   time.Time
	EndTime     time.Time
	Tags        []string
	// Expr is an optional CEL boolean expression over the variable entry,
	// e.g. `entry.severity_rank >= 3 && "attack" in entry.tags`.
	Expr   string
	Offset int
	Limit  int
}

func (f QueryFilter) matches(e *Entry) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.NodeID != "" && e.Metadata.NodeID != f.NodeID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	for _, tag := range f.Tags {
		if !e.Metadata.HasTag(tag) {
			return false
		}
	}
	return true
}

func containsType(types []EntryType, t EntryType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(sevs []contracts.Severity, s contracts.Severity) bool {
	for _, v := range sevs {
		if v == s {
			return true
		}
	}
	return false
}

// QueryResult is one page of matching entries.
type QueryResult struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// QueryEntries returns the entries matching filter, newest first, together
// with the total match count before pagination.
func (l *Ledger) QueryEntries(filter QueryFilter) (*QueryResult, error) {
	var match func(*Entry) (bool, error)
	if filter.Expr != "" {
		prg, err := l.exprs.program(filter.Expr)
		if err != nil {
			return nil, err
		}
		match = func(e *Entry) (bool, error) { return l.exprs.match(prg, e) }
	}

	matched := make([]*Entry, 0)
	l.mu.RLock()
	for _, c := range l.snapshotChains() {
		if filter.ChainID != "" && c.id != filter.ChainID {
			continue
		}
		c.mu.RLock()
		for _, e := range c.entries {
			if !filter.matches(e) {
				continue
			}
			if match != nil {
				ok, err := match(e)
				if err != nil {
					c.mu.RUnlock()
					l.mu.RUnlock()
					return nil, err
				}
				if !ok {
					continue
				}
			}
			matched = append(matched, e.clone())
		}
		c.mu.RUnlock()
	}
	l.mu.RUnlock()

	sortNewestFirst(matched)
	res := &QueryResult{Total: len(matched), Offset: filter.Offset, Limit: filter.Limit}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	res.Entries = matched[start:end]
	return res, nil
}
