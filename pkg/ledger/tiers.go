package ledger

//go:generate mockgen -destination=mocks/tier_provider.go -package=mocks github.com/MarkoPoloResearchLab/credits/pkg/ledger TierProvider

import (
	"context"
	"fmt"
	"strings"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierBasic:
		return TierBasic, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// String returns the tier name.
func (tier Tier) String() string {
	return string(tier)
}

// TierProvider resolves the subscription tier and concurrency quota of a user.
type TierProvider interface {
	GetUserTier(ctx context.Context, userID UserID) (Tier, error)
	GetConcurrentLimit(ctx context.Context, userID UserID) (int, error)
}
