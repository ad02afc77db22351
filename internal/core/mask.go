package core

import "github.com/max-bytes/omnikeeper-sub003/pkg/domain"

// MaskHandlingForRetrieval decides whether relations whose winning fact is a
// mask are dropped from a merge or returned with Mask set.
type MaskHandlingForRetrieval interface {
	IncludeMasked() bool
}

type applyMasks struct{}

func (applyMasks) IncludeMasked() bool { return false }

type includeMasks struct{}

func (includeMasks) IncludeMasked() bool { return true }

// ApplyMasks suppresses masked relations. It is the default for reads.
func ApplyMasks() MaskHandlingForRetrieval { return applyMasks{} }

// IncludeMasks returns masked relations alongside regular ones.
func IncludeMasks() MaskHandlingForRetrieval { return includeMasks{} }

// MaskHandlingForRemoval decides whether removing a relation from a layer
// writes a mask so lower layers stay hidden.
type MaskHandlingForRemoval interface {
	// MaskLayers returns the layers whose copy of the relation a removal from
	// writeLayer must keep hidden.
	MaskLayers(writeLayer string) domain.LayerSet
}

type applyNoMask struct{}

func (applyNoMask) MaskLayers(string) domain.LayerSet { return domain.LayerSet{} }

// ApplyNoMask writes plain removals.
func ApplyNoMask() MaskHandlingForRemoval { return applyNoMask{} }

type applyMaskIfNecessary struct {
	read domain.LayerSet
}

func (p applyMaskIfNecessary) MaskLayers(writeLayer string) domain.LayerSet {
	return otherLayers(p.read, writeLayer)
}

// ApplyMaskIfNecessary writes a mask instead of a removal when a layer of
// readLayers below the write layer still holds the relation.
func ApplyMaskIfNecessary(readLayers domain.LayerSet) MaskHandlingForRemoval {
	return applyMaskIfNecessary{read: readLayers}
}

// OtherLayersValueHandling decides whether a write considers the value the
// remaining read layers already provide.
type OtherLayersValueHandling interface {
	// OtherLayers returns the layers whose merged value can make a write into
	// writeLayer redundant.
	OtherLayers(writeLayer string) domain.LayerSet
}

type forceWrite struct{}

func (forceWrite) OtherLayers(string) domain.LayerSet { return domain.LayerSet{} }

// ForceWrite always writes into the target layer.
func ForceWrite() OtherLayersValueHandling { return forceWrite{} }

type takeIntoAccount struct {
	read domain.LayerSet
}

func (p takeIntoAccount) OtherLayers(writeLayer string) domain.LayerSet {
	return otherLayers(p.read, writeLayer)
}

// TakeIntoAccount skips a write whose value the layers of readLayers below
// the write layer already provide, and drops the write layer's own copy.
func TakeIntoAccount(readLayers domain.LayerSet) OtherLayersValueHandling {
	return takeIntoAccount{read: readLayers}
}

// otherLayers returns the layers of read ranked below writeLayer, or all of
// read without writeLayer when it is not part of the set.
func otherLayers(read domain.LayerSet, writeLayer string) domain.LayerSet {
	if read.Contains(writeLayer) {
		return read.Below(writeLayer)
	}
	return read
}
