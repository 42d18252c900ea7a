package sentinel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

const (
	mitigationSource = "attack-mitigator"
	membershipSource = "membership"
	limiterSource    = "rate-limiter"

	// interactionDelta is the score of one reported interaction.
	interactionDelta = 0.01
)

// AttackOutcome is what ReportAttack recorded.
type AttackOutcome struct {
	Detected   *forensics.Entry
	Mitigated  *forensics.Entry // nil without a mitigation
	Reputation *reputation.Record
}

// admit applies the per-source limiter. The first denial of a throttled
// burst is written to the ledger as a POLICY_VIOLATION.
func (s *Service) admit(ctx context.Context, source string) error {
	ok, first := s.limiters.allow(source, s.clock())
	if ok {
		return nil
	}
	if first {
		s.logger.WarnContext(ctx, "source rate limited", "source", source)
		_, err := s.ledger.LogEvent(ctx, forensics.EntryPolicyViolation, contracts.SeverityMedium, limiterSource,
			map[string]any{
				"event":      "rate_limited",
				"source":     source,
				"rate_limit": s.cfg.Service.RateLimit,
				"rate_burst": s.cfg.Service.RateBurst,
			},
			&forensics.Metadata{Tags: []string{"rate_limit"}})
		if err != nil {
			s.logger.WarnContext(ctx, "record rate limit violation failed", "source", source, "error", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, source)
}

// ReportAttack records a detected attack, penalizes the attacking node by
// the attack severity and, when the detector supplied a mitigation, records
// it as a follow-up entry.
func (s *Service) ReportAttack(ctx context.Context, attack contracts.AttackEvent) (out *AttackOutcome, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "sentinel.report_attack",
		attribute.String("attack.type", attack.Type),
		attribute.String("attack.severity", string(attack.Severity)),
	)
	defer func() { done(err) }()

	if err := s.admit(ctx, "node:"+attack.NodeID); err != nil {
		return nil, err
	}

	detected, err := s.ledger.LogAttack(ctx, attack)
	if err != nil {
		return nil, err
	}
	out = &AttackOutcome{Detected: detected}

	if attack.NodeID != "" {
		rec, err := s.engine.PenalizeNode(attack.NodeID, attack.Severity, attack.Type)
		if err != nil {
			return out, err
		}
		out.Reputation = &rec
	}

	if attack.Mitigation != "" {
		mitigated, err := s.ledger.LogEvent(ctx, forensics.EntryAttackMitigated, attack.Severity, mitigationSource,
			map[string]any{
				"attack_id":      attack.ID,
				"attack_type":    attack.Type,
				"mitigation":     attack.Mitigation,
				"detected_entry": detected.ID,
			},
			&forensics.Metadata{NodeID: attack.NodeID, Tags: []string{"attack", "mitigation"}})
		if err != nil {
			return out, err
		}
		out.Mitigated = mitigated
	}

	s.logger.InfoContext(ctx, "attack reported",
		"attack_id", attack.ID,
		"attack_type", attack.Type,
		"node_id", attack.NodeID,
		"severity", attack.Severity,
		"entry_id", detected.ID,
	)
	return out, nil
}

// ReportInteraction feeds the outcome of one interaction with nodeID into
// its reputation. responseTime is recorded when positive.
func (s *Service) ReportInteraction(ctx context.Context, nodeID string, success bool, responseTime time.Duration) (rec reputation.Record, err error) {
	_, done := s.telemetry.TrackOperation(ctx, "sentinel.report_interaction",
		attribute.Bool("interaction.success", success),
	)
	defer func() { done(err) }()

	if nodeID == "" {
		return reputation.Record{}, ErrMissingNodeID
	}
	ev := reputation.Event{
		Type:   reputation.EventPositive,
		Score:  interactionDelta,
		Reason: "interaction succeeded",
		Weight: 1,
	}
	if !success {
		ev.Type = reputation.EventNegative
		ev.Score = -interactionDelta
		ev.Reason = "interaction failed"
	}
	if responseTime > 0 {
		ev.Context = map[string]any{reputation.ContextResponseTime: float64(responseTime) / float64(time.Millisecond)}
	}
	return s.engine.UpdateReputation(nodeID, ev)
}

// ReportNodeJoined records a NODE_JOINED entry and seeds the node's
// reputation record if it has none.
func (s *Service) ReportNodeJoined(ctx context.Context, nodeID string, details map[string]any) (entry *forensics.Entry, rec reputation.Record, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "sentinel.report_node_joined")
	defer func() { done(err) }()

	if nodeID == "" {
		return nil, reputation.Record{}, ErrMissingNodeID
	}
	if err := s.admit(ctx, "node:"+nodeID); err != nil {
		return nil, reputation.Record{}, err
	}
	data := map[string]any{"node_id": nodeID}
	if len(details) > 0 {
		data["details"] = details
	}
	entry, err = s.ledger.LogEvent(ctx, forensics.EntryNodeJoined, contracts.SeverityLow, membershipSource, data,
		&forensics.Metadata{NodeID: nodeID, Tags: []string{"membership"}})
	if err != nil {
		return nil, reputation.Record{}, err
	}
	return entry, s.engine.AddOrUpdateReputation(nodeID, nil), nil
}

// ReportNodeLeft records a NODE_LEFT entry. The reputation record is kept so
// a returning node resumes its history.
func (s *Service) ReportNodeLeft(ctx context.Context, nodeID, reason string) (entry *forensics.Entry, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "sentinel.report_node_left")
	defer func() { done(err) }()

	if nodeID == "" {
		return nil, ErrMissingNodeID
	}
	if err := s.admit(ctx, "node:"+nodeID); err != nil {
		return nil, err
	}
	data := map[string]any{"node_id": nodeID}
	if reason != "" {
		data["reason"] = reason
	}
	return s.ledger.LogEvent(ctx, forensics.EntryNodeLeft, contracts.SeverityLow, membershipSource, data,
		&forensics.Metadata{NodeID: nodeID, Tags: []string{"membership"}})
}

// LogEvent appends an arbitrary entry on behalf of source, subject to the
// per-source limiter.
func (s *Service) LogEvent(ctx context.Context, entryType forensics.EntryType, severity contracts.Severity, source string, data any, meta *forensics.Metadata) (entry *forensics.Entry, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "sentinel.log_event",
		attribute.String("entry.type", string(entryType)),
		attribute.String("entry.severity", string(severity)),
	)
	defer func() { done(err) }()

	if err := s.admit(ctx, "source:"+source); err != nil {
		return nil, err
	}
	return s.ledger.LogEvent(ctx, entryType, severity, source, data, meta)
}
