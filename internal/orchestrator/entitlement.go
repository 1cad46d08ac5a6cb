package orchestrator

import (
	"context"
	"errors"
	"time"

	"trading-core/pkg/store"
)

// Tier is a subscription tier name (spec.md §3).
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// tierMaxWorkers is the process-wide tier->limit policy (spec.md §3:
// "free=1, basic=3, pro=10, enterprise=50").
var tierMaxWorkers = map[Tier]int{
	TierFree:       1,
	TierBasic:      3,
	TierPro:        10,
	TierEnterprise: 50,
}

// Entitlement is a per-user subscription record (spec.md §3).
type Entitlement struct {
	UserID     string     `json:"userId"`
	Tier       Tier       `json:"tier"`
	MaxWorkers int        `json:"maxWorkers"`
	IsActive   bool       `json:"isActive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// expired reports whether the entitlement has a deadline that has passed.
// A nil ExpiresAt means lifetime/no deadline.
func (e Entitlement) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

func defaultEntitlement(userID string) Entitlement {
	return Entitlement{
		UserID: userID, Tier: TierFree, MaxWorkers: tierMaxWorkers[TierFree], IsActive: true,
	}
}

func entitlementKey(userID string) string { return "entitlement:" + userID }

const entitlementKeyPrefix = "entitlement:"

// resolveEntitlement loads a user's entitlement, creating and persisting
// the default free-tier record on first sight (spec.md §4.10: "Resolve/
// create the user's entitlement (default free tier)").
func (o *Orchestrator) resolveEntitlement(ctx context.Context, userID string) (Entitlement, error) {
	var e Entitlement
	err := o.store.GetJSON(ctx, entitlementKey(userID), &e)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Entitlement{}, err
	}
	e = defaultEntitlement(userID)
	if err := o.store.PutJSON(ctx, entitlementKey(userID), e); err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

// DowngradeSweep flips expired non-lifetime entitlements to
// {tier: free, isActive: false} and returns the affected user ids
// (spec.md §4.10).
func (o *Orchestrator) DowngradeSweep(ctx context.Context) ([]string, error) {
	keys, err := o.store.ListKeysWithPrefix(ctx, entitlementKeyPrefix)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var affected []string
	for _, key := range keys {
		var e Entitlement
		if err := o.store.GetJSON(ctx, key, &e); err != nil {
			continue
		}
		if !e.expired(now) {
			continue
		}
		if e.Tier == TierFree && !e.IsActive {
			continue
		}
		e.Tier = TierFree
		e.MaxWorkers = tierMaxWorkers[TierFree]
		e.IsActive = false
		if err := o.store.PutJSON(ctx, key, e); err != nil {
			continue
		}
		affected = append(affected, e.UserID)
	}
	return affected, nil
}
