package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// MergedCache is a read-through LRU cache of merged CIs and effective trait
// sets keyed by (CI, layer set hash, time threshold). Results at a latest
// threshold are never cached. Cached values are shared and must not be mutated.
// A nil *MergedCache is valid and caches nothing.
type MergedCache struct {
	cis    *lru.Cache[string, domain.MergedCI]
	traits *lru.Cache[string, []domain.EffectiveTrait]
}

// NewMergedCache builds a cache holding up to size entries of each kind.
func NewMergedCache(size int) (*MergedCache, error) {
	cis, err := lru.New[string, domain.MergedCI](size)
	if err != nil {
		return nil, fmt.Errorf("merged ci cache: %w", err)
	}
	traits, err := lru.New[string, []domain.EffectiveTrait](size)
	if err != nil {
		return nil, fmt.Errorf("effective trait cache: %w", err)
	}
	return &MergedCache{cis: cis, traits: traits}, nil
}

func cacheKey(id CIID, layers domain.LayerSet, at domain.TimeThreshold) (string, bool) {
	if at.IsLatest() {
		return "", false
	}
	return id.String() + "|" + layers.LayerHash() + "|" + at.String(), true
}

// MergedCI returns a cached merged CI.
func (c *MergedCache) MergedCI(id CIID, layers domain.LayerSet, at domain.TimeThreshold) (domain.MergedCI, bool) {
	key, ok := cacheKey(id, layers, at)
	if c == nil || !ok {
		return domain.MergedCI{}, false
	}
	return c.cis.Get(key)
}

// StoreMergedCI caches ci under its own id, layers and threshold.
func (c *MergedCache) StoreMergedCI(ci domain.MergedCI) {
	key, ok := cacheKey(ci.ID, ci.Layers, ci.AtTime)
	if c == nil || !ok {
		return
	}
	c.cis.Add(key, ci)
}

// EffectiveTraits returns a cached effective trait set.
func (c *MergedCache) EffectiveTraits(id CIID, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.EffectiveTrait, bool) {
	key, ok := cacheKey(id, layers, at)
	if c == nil || !ok {
		return nil, false
	}
	return c.traits.Get(key)
}

// StoreEffectiveTraits caches the effective trait set of a CI.
func (c *MergedCache) StoreEffectiveTraits(id CIID, layers domain.LayerSet, at domain.TimeThreshold, ets []domain.EffectiveTrait) {
	key, ok := cacheKey(id, layers, at)
	if c == nil || !ok {
		return
	}
	c.traits.Add(key, ets)
}

// Purge drops every entry.
func (c *MergedCache) Purge() {
	if c == nil {
		return
	}
	c.cis.Purge()
	c.traits.Purge()
}

// Len returns the number of cached entries of both kinds.
func (c *MergedCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cis.Len() + c.traits.Len()
}
