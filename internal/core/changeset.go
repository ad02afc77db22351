package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// ChangesetProxy hands out the changeset of a layer for one transaction,
// creating it on the first write into that layer. A proxy must not outlive
// the transaction it was used in.
type ChangesetProxy struct {
	user      domain.User
	origin    domain.DataOrigin
	timestamp time.Time
	created   map[string]domain.Changeset
}

// NewChangesetProxy builds a proxy whose changesets carry user, origin and timestamp.
func NewChangesetProxy(user domain.User, origin domain.DataOrigin, timestamp time.Time) *ChangesetProxy {
	if !origin.Valid() {
		origin = domain.DataOriginManual
	}
	return &ChangesetProxy{
		user:      user,
		origin:    origin,
		timestamp: timestamp.UTC(),
		created:   make(map[string]domain.Changeset),
	}
}

// Timestamp returns the time every changeset of the proxy is written at.
func (p *ChangesetProxy) Timestamp() time.Time { return p.timestamp }

// TimeThreshold is the threshold under which reads in the same transaction
// see the proxy's own writes.
func (p *ChangesetProxy) TimeThreshold() domain.TimeThreshold { return domain.AtTime(p.timestamp) }

// User returns the acting user.
func (p *ChangesetProxy) User() domain.User { return p.user }

// Origin returns the data origin tag.
func (p *ChangesetProxy) Origin() domain.DataOrigin { return p.origin }

// GetChangeset returns the changeset for layerID, creating it in tx if needed.
func (p *ChangesetProxy) GetChangeset(tx Transaction, layerID string) (domain.Changeset, error) {
	if cs, ok := p.created[layerID]; ok {
		return cs, nil
	}
	cs, err := tx.CreateChangeset(domain.Changeset{
		User:      p.user,
		LayerID:   layerID,
		Origin:    p.origin,
		Timestamp: p.timestamp,
	})
	if err != nil {
		return domain.Changeset{}, err
	}
	p.created[layerID] = cs
	return cs, nil
}

// Changesets returns the changesets created so far, ordered by layer.
func (p *ChangesetProxy) Changesets() []domain.Changeset {
	out := make([]domain.Changeset, 0, len(p.created))
	for _, cs := range p.created {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LayerID < out[j].LayerID })
	return out
}

// ChangesetModel reads changesets and the statistics derived from them.
type ChangesetModel struct{}

// GetChangeset returns a changeset by id.
func (ChangesetModel) GetChangeset(view TransactionView, id uuid.UUID) (domain.Changeset, bool) {
	return view.FindChangeset(id)
}

// GetChangesetsInTimespan returns the changesets of the layers written in
// [from, to] that touch any of the selected CIs, newest first. A limit of
// zero or less returns every match.
func (ChangesetModel) GetChangesetsInTimespan(view TransactionView, from, to time.Time, layers domain.LayerSet, cis domain.CIIDSelection, limit int) []domain.Changeset {
	if layers.IsEmpty() || cis.IsEmpty() {
		return nil
	}
	var out []domain.Changeset
	for _, cs := range view.ListChangesets(layers.LayerIDs(), from, to) {
		if !cis.IsAll() && !changesetTouches(view, cs.ID, cis) {
			continue
		}
		out = append(out, cs)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func changesetTouches(view TransactionView, id uuid.UUID, cis domain.CIIDSelection) bool {
	for _, a := range view.AttributesOfChangeset(id) {
		if cis.Contains(a.CIID) {
			return true
		}
	}
	for _, r := range view.RelationsOfChangeset(id) {
		if cis.Contains(r.FromCIID) || cis.Contains(r.ToCIID) {
			return true
		}
	}
	return false
}

// GetChangesetStatistics counts the facts written under a changeset.
func (ChangesetModel) GetChangesetStatistics(view TransactionView, id uuid.UUID) (domain.ChangesetStatistics, error) {
	if _, ok := view.FindChangeset(id); !ok {
		return domain.ChangesetStatistics{}, domain.NotFoundError{Entity: domain.EntityChangeset, ID: id.String()}
	}
	return domain.ChangesetStatistics{
		ChangesetID:         id,
		NumAttributeChanges: len(view.AttributesOfChangeset(id)),
		NumRelationChanges:  len(view.RelationsOfChangeset(id)),
	}, nil
}

// DeleteEmptyChangesets removes changesets older than the cut-off that carry no facts.
func (ChangesetModel) DeleteEmptyChangesets(tx Transaction, olderThan time.Time) int {
	return tx.DeleteEmptyChangesets(olderThan)
}

// GetMergedAttributeProvenance returns the changeset that wrote the winning
// fact of a merged attribute.
func GetMergedAttributeProvenance(view TransactionView, attr domain.MergedCIAttribute) (domain.Changeset, bool) {
	return view.FindChangeset(attr.Attribute.ChangesetID)
}

// GetMergedRelationProvenance returns the changeset that wrote the winning
// fact of a merged relation.
func GetMergedRelationProvenance(view TransactionView, rel domain.MergedRelation) (domain.Changeset, bool) {
	return view.FindChangeset(rel.Relation.ChangesetID)
}

// LayerStatisticsModel summarizes the content of a layer.
type LayerStatisticsModel struct{}

// GetLayerStatistics counts the active facts of a layer at t and its full history.
func (LayerStatisticsModel) GetLayerStatistics(ctx context.Context, view TransactionView, layerID string, t time.Time) (domain.LayerStatistics, error) {
	if _, err := requireLayer(view, layerID); err != nil {
		return domain.LayerStatistics{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.LayerStatistics{}, err
	}
	counts := view.CountFacts(layerID)
	activeRelations := 0
	for _, r := range view.LatestRelations(layerID, domain.AllRelations(), t) {
		if !r.Mask {
			activeRelations++
		}
	}
	return domain.LayerStatistics{
		LayerID:                    layerID,
		NumActiveAttributes:        len(view.LatestAttributes(layerID, domain.AllCIIDs(), domain.AllAttributes(), t)),
		NumAttributeChangesHistory: counts.AttributeFacts,
		NumActiveRelations:         activeRelations,
		NumRelationChangesHistory:  counts.RelationFacts,
		NumLayerChangesetsHistory:  counts.Changesets,
	}, nil
}
