package core

import (
	"context"
	"fmt"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// NewLayerStateRule returns the rule blocking fact writes into layers that are
// inactive or marked for deletion.
func NewLayerStateRule() domain.Rule {
	return layerStateRule{}
}

type layerStateRule struct{}

func (layerStateRule) Name() string { return "layer_state" }

func (layerStateRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	reported := make(map[string]struct{})
	for _, change := range changes {
		var layerID string
		switch fact := change.After.(type) {
		case domain.CIAttribute:
			layerID = fact.LayerID
		case domain.Relation:
			layerID = fact.LayerID
		default:
			continue
		}
		if _, ok := reported[layerID]; ok {
			continue
		}
		layer, ok := view.FindLayer(layerID)
		if !ok || layer.Writable() {
			continue
		}
		reported[layerID] = struct{}{}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "layer_state",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("layer %s is %s and does not accept writes", layer.ID, layer.State),
			Entity:   domain.EntityLayer,
			EntityID: layer.ID,
		})
	}
	return res, nil
}
