package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func TestMergedCacheKeys(t *testing.T) {
	cache, err := NewMergedCache(8)
	require.NoError(t, err)

	id := domain.NewCIID()
	layers := domain.NewLayerSet("base", "override")
	at := domain.AtTime(testEpoch)
	ci := domain.NewMergedCI(id, layers, at, nil)

	cache.StoreMergedCI(ci)
	got, ok := cache.MergedCI(id, layers, at)
	require.True(t, ok)
	assert.Equal(t, id, got.ID)

	_, ok = cache.MergedCI(id, domain.NewLayerSet("override", "base"), at)
	assert.False(t, ok, "layer order is part of the key")
	_, ok = cache.MergedCI(id, layers, domain.AtTime(testEpoch.Add(1)))
	assert.False(t, ok)

	cache.StoreMergedCI(domain.NewMergedCI(id, layers, domain.LatestTime(), nil))
	_, ok = cache.MergedCI(id, layers, domain.LatestTime())
	assert.False(t, ok, "latest reads are never cached")

	cache.StoreEffectiveTraits(id, layers, at, []domain.EffectiveTrait{{CIID: id, TraitID: NamedTraitID}})
	ets, ok := cache.EffectiveTraits(id, layers, at)
	require.True(t, ok)
	require.Len(t, ets, 1)
	assert.Equal(t, 2, cache.Len())

	cache.Purge()
	assert.Zero(t, cache.Len())
}

func TestMergedCacheEvictsOldest(t *testing.T) {
	cache, err := NewMergedCache(2)
	require.NoError(t, err)
	layers := domain.NewLayerSet("base")
	at := domain.AtTime(testEpoch)
	ids := []CIID{domain.NewCIID(), domain.NewCIID(), domain.NewCIID()}
	for _, id := range ids {
		cache.StoreMergedCI(domain.NewMergedCI(id, layers, at, nil))
	}
	_, ok := cache.MergedCI(ids[0], layers, at)
	assert.False(t, ok)
	_, ok = cache.MergedCI(ids[2], layers, at)
	assert.True(t, ok)
}

func TestMergedCacheInvalidSizeAndNil(t *testing.T) {
	_, err := NewMergedCache(0)
	assert.Error(t, err)

	var cache *MergedCache
	id := domain.NewCIID()
	layers := domain.NewLayerSet("base")
	at := domain.AtTime(testEpoch)
	cache.StoreMergedCI(domain.NewMergedCI(id, layers, at, nil))
	cache.StoreEffectiveTraits(id, layers, at, nil)
	_, ok := cache.MergedCI(id, layers, at)
	assert.False(t, ok)
	_, ok = cache.EffectiveTraits(id, layers, at)
	assert.False(t, ok)
	cache.Purge()
	assert.Zero(t, cache.Len())
}
