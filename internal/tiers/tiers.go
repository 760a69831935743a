// Package tiers resolves subscription tiers and concurrency quotas from static configuration.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	// DefaultLimits is the stock tier to concurrent-slot mapping.
	DefaultLimits = "free=1,basic=2,pro=3,enterprise=5"

	pairDelimiter  = ","
	valueDelimiter = "="
)

var (
	errMalformedPair  = errors.New("expected key=value")
	errNegativeLimit  = errors.New("limit must not be negative")
	errMissingLimit   = errors.New("tier has no configured limit")
	errDuplicateEntry = errors.New("duplicate entry")
)

// Static is a ledger.TierProvider backed by fixed maps.
type Static struct {
	limits      map[ledger.Tier]int
	assignments map[string]ledger.Tier
	defaultTier ledger.Tier
}

// NewStatic validates that every tier reachable through defaultTier or the
// assignments has a limit.
func NewStatic(limits map[ledger.Tier]int, defaultTier ledger.Tier, assignments map[string]ledger.Tier) (*Static, error) {
	provider := &Static{
		limits:      make(map[ledger.Tier]int, len(limits)),
		assignments: make(map[string]ledger.Tier, len(assignments)),
		defaultTier: defaultTier,
	}
	for tier, limit := range limits {
		if limit < 0 {
			return nil, fmt.Errorf("%w: %s: %w", ledger.ErrInvalidTier, tier, errNegativeLimit)
		}
		provider.limits[tier] = limit
	}
	if _, ok := provider.limits[defaultTier]; !ok {
		return nil, fmt.Errorf("%w: %q: %w", ledger.ErrInvalidTier, defaultTier, errMissingLimit)
	}
	for userID, tier := range assignments {
		if _, ok := provider.limits[tier]; !ok {
			return nil, fmt.Errorf("%w: %q for user %q: %w", ledger.ErrInvalidTier, tier, userID, errMissingLimit)
		}
		provider.assignments[userID] = tier
	}
	return provider, nil
}

// FromConfig builds a Static provider from the textual settings used by the binaries.
func FromConfig(rawLimits string, rawDefaultTier string, rawAssignments string) (*Static, error) {
	if strings.TrimSpace(rawLimits) == "" {
		rawLimits = DefaultLimits
	}
	limits, err := ParseLimits(rawLimits)
	if err != nil {
		return nil, err
	}
	defaultTier := ledger.TierFree
	if strings.TrimSpace(rawDefaultTier) != "" {
		defaultTier, err = ledger.ParseTier(rawDefaultTier)
		if err != nil {
			return nil, err
		}
	}
	assignments, err := ParseAssignments(rawAssignments)
	if err != nil {
		return nil, err
	}
	return NewStatic(limits, defaultTier, assignments)
}

// GetUserTier returns the user's assigned tier or the default tier.
func (provider *Static) GetUserTier(_ context.Context, userID ledger.UserID) (ledger.Tier, error) {
	if tier, ok := provider.assignments[userID.String()]; ok {
		return tier, nil
	}
	return provider.defaultTier, nil
}

// GetConcurrentLimit returns the slot quota of the user's tier.
func (provider *Static) GetConcurrentLimit(ctx context.Context, userID ledger.UserID) (int, error) {
	tier, err := provider.GetUserTier(ctx, userID)
	if err != nil {
		return 0, err
	}
	return provider.limits[tier], nil
}

// ParseLimits parses "tier=limit" pairs such as "free=1,pro=3".
func ParseLimits(raw string) (map[ledger.Tier]int, error) {
	limits := map[ledger.Tier]int{}
	err := forEachPair(raw, func(key string, value string) error {
		tier, err := ledger.ParseTier(key)
		if err != nil {
			return err
		}
		if _, exists := limits[tier]; exists {
			return fmt.Errorf("%w: %s: %w", ledger.ErrInvalidTier, tier, errDuplicateEntry)
		}
		limit, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ledger.ErrInvalidTier, tier, err)
		}
		if limit < 0 {
			return fmt.Errorf("%w: %s: %w", ledger.ErrInvalidTier, tier, errNegativeLimit)
		}
		limits[tier] = limit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return limits, nil
}

// ParseAssignments parses "user=tier" pairs. Blank input yields no assignments.
func ParseAssignments(raw string) (map[string]ledger.Tier, error) {
	assignments := map[string]ledger.Tier{}
	err := forEachPair(raw, func(key string, value string) error {
		userID, err := ledger.NewUserID(key)
		if err != nil {
			return err
		}
		tier, err := ledger.ParseTier(value)
		if err != nil {
			return err
		}
		if _, exists := assignments[userID.String()]; exists {
			return fmt.Errorf("%w: %s: %w", ledger.ErrInvalidTier, userID.String(), errDuplicateEntry)
		}
		assignments[userID.String()] = tier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func forEachPair(raw string, visit func(key string, value string) error) error {
	for _, part := range strings.Split(raw, pairDelimiter) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		key, value, found := strings.Cut(trimmed, valueDelimiter)
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			return fmt.Errorf("%w: %q: %w", ledger.ErrInvalidTier, trimmed, errMalformedPair)
		}
		if err := visit(key, value); err != nil {
			return err
		}
	}
	return nil
}
