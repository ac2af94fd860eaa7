package domain

import (
	"context"
)

// IPIntel is the already-resolved intelligence for one IP address.
type IPIntel struct {
	Country   string  `json:"country,omitempty"`
	IsVPN     bool    `json:"isVpn"`
	IsProxy   bool    `json:"isProxy"`
	IsTor     bool    `json:"isTor"`
	RiskScore float64 `json:"riskScore"` // provider's own 0-100 score
}

// IPResolver looks up intelligence for an IP address.
// Returns nil, nil when nothing is known about the IP; the device assessor
// fails open (risk 0, no flags) on that case.
type IPResolver interface {
	Resolve(ctx context.Context, ip string) (*IPIntel, error)

	// Lifecycle
	Close() error
}
