// Package device turns raw IP intelligence into a bounded reputation score
// and flag set.
package device

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Reputation flags accumulated during assessment.
const (
	FlagVPN          = "vpn_detected"
	FlagProxy        = "proxy_detected"
	FlagTor          = "tor_detected"
	FlagProviderRisk = "high_provider_risk"
	FlagBlockedAssoc = "associated_with_blocked_transactions"
)

// Assessor scores IP reputation from resolved intelligence and prior
// blocked-transaction association.
type Assessor struct {
	cfg      domain.DeviceConfig
	resolver domain.IPResolver
	repo     domain.Repository
}

// NewAssessor creates a new IP reputation assessor.
func NewAssessor(cfg domain.DeviceConfig, resolver domain.IPResolver, repo domain.Repository) *Assessor {
	return &Assessor{cfg: cfg, resolver: resolver, repo: repo}
}

// Reputation is the outcome of an IP assessment.
type Reputation struct {
	RiskScore float64        `json:"riskScore"` // 0-100
	Flags     []string       `json:"flags"`
	Details   map[string]any `json:"details"`
}

// AssessIPReputation resolves intelligence for the IP and accumulates a
// weighted score, capped at 100. Unknown IPs fail open: risk 0, no flags.
func (a *Assessor) AssessIPReputation(ctx context.Context, tenantID, ip string) (Reputation, error) {
	rep := Reputation{Details: map[string]any{"ip": ip}}
	if ip == "" {
		return rep, nil
	}

	intel, err := a.resolver.Resolve(ctx, ip)
	if err != nil {
		return rep, fmt.Errorf("resolve ip intel: %w", err)
	}
	if intel == nil {
		// Nothing known about this IP. Fail open, not closed.
		return rep, nil
	}

	rep.Details["country"] = intel.Country
	rep.Details["provider_risk_score"] = intel.RiskScore

	score := 0.0
	if intel.IsVPN {
		rep.Flags = append(rep.Flags, FlagVPN)
		score += a.cfg.VPNWeight
	}
	if intel.IsProxy {
		rep.Flags = append(rep.Flags, FlagProxy)
		score += a.cfg.ProxyWeight
	}
	if intel.IsTor {
		rep.Flags = append(rep.Flags, FlagTor)
		score += a.cfg.TorWeight
	}
	if intel.RiskScore >= a.cfg.ProviderRiskThreshold {
		rep.Flags = append(rep.Flags, FlagProviderRisk)
		score += a.cfg.ProviderRiskWeight
	}

	if a.repo != nil {
		blocked, err := a.repo.CountBlockedByIP(ctx, tenantID, ip)
		if err != nil {
			return rep, fmt.Errorf("count blocked by ip: %w", err)
		}
		rep.Details["blocked_transactions"] = blocked
		if blocked > 0 {
			rep.Flags = append(rep.Flags, FlagBlockedAssoc)
			score += math.Min(float64(blocked)*a.cfg.BlockedAssocWeight, a.cfg.BlockedAssocCap)
		}
	}

	rep.RiskScore = math.Min(score, 100)
	return rep, nil
}

// Candidate normalizes a reputation into an anomaly candidate.
func (a *Assessor) Candidate(rep Reputation) domain.AnomalyCandidate {
	details := rep.Details
	if details == nil {
		details = map[string]any{}
	}
	details["flags"] = rep.Flags

	return domain.AnomalyCandidate{
		Type:     domain.AnomalyDevice,
		Score:    rep.RiskScore,
		Detected: rep.RiskScore >= a.cfg.DetectThreshold,
		Details:  details,
	}
}
