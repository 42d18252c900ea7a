package forensics

import (
	"context"
	"fmt"
)

// MaintenanceReport is the outcome of one Maintain pass.
type MaintenanceReport struct {
	Verified  bool           `json:"verified"`
	VerifyErr string         `json:"verify_error,omitempty"`
	RotatedTo string         `json:"rotated_to,omitempty"`
	Rotation  string         `json:"rotation_reason,omitempty"`
	Cleanup   *CleanupReport `json:"cleanup,omitempty"`
}

// Maintain runs one ledger maintenance tick: verify all chains, rotate the
// current chain when it exceeds the size or age limit, and apply retention.
// Verification failures are reported, not returned; they never block
// rotation or retention.
func (l *Ledger) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}

	ok, err := l.VerifyChainIntegrity("")
	report.Verified = ok
	if err != nil {
		report.VerifyErr = err.Error()
	}

	if reason := l.rotationReason(); reason != "" {
		info, err := l.RotateChain(ctx, reason)
		if err != nil {
			return report, fmt.Errorf("rotate chain: %w", err)
		}
		report.RotatedTo = info.ID
		report.Rotation = reason
	}

	if l.cfg.RetentionPeriod > 0 {
		cleanup, err := l.Cleanup(ctx, l.cfg.RetentionPeriod)
		if err != nil {
			return report, fmt.Errorf("cleanup: %w", err)
		}
		report.Cleanup = cleanup
	}

	l.logger.DebugContext(ctx, "ledger maintenance finished",
		"verified", report.Verified,
		"rotated_to", report.RotatedTo,
	)
	return report, nil
}

func (l *Ledger) rotationReason() string {
	l.mu.RLock()
	c := l.chains[l.currentID]
	l.mu.RUnlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if l.cfg.MaxEntriesPerChain > 0 && len(c.entries) >= l.cfg.MaxEntriesPerChain {
		return "max entries reached"
	}
	if l.cfg.MaxChainAge > 0 && l.clock().Sub(c.createdAt) >= l.cfg.MaxChainAge {
		return "max age reached"
	}
	return ""
}
