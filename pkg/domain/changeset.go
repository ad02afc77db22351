package domain

import (
	"time"

	"github.com/google/uuid"
)

// DataOrigin tags where the data of a changeset came from.
type DataOrigin string

// Data origins.
const (
	DataOriginManual        DataOrigin = "manual"
	DataOriginInboundIngest DataOrigin = "inbound_ingest"
	DataOriginInboundOnline DataOrigin = "inbound_online"
	DataOriginComputeLayer  DataOrigin = "compute_layer"
)

// Valid reports whether o is a known data origin.
func (o DataOrigin) Valid() bool {
	switch o {
	case DataOriginManual, DataOriginInboundIngest, DataOriginInboundOnline, DataOriginComputeLayer:
		return true
	}
	return false
}

// User identifies the actor of a changeset.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Changeset is an immutable, attributed unit of mutation. Every fact is
// written under exactly one changeset.
type Changeset struct {
	ID        uuid.UUID  `json:"id"`
	User      User       `json:"user"`
	LayerID   string     `json:"layer_id"`
	Origin    DataOrigin `json:"origin"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChangesetStatistics summarizes the facts written under one changeset.
type ChangesetStatistics struct {
	ChangesetID         uuid.UUID `json:"changeset_id"`
	NumAttributeChanges int       `json:"num_attribute_changes"`
	NumRelationChanges  int       `json:"num_relation_changes"`
}

// LayerStatistics summarizes the facts held by one layer.
type LayerStatistics struct {
	LayerID                    string `json:"layer_id"`
	NumActiveAttributes        int    `json:"num_active_attributes"`
	NumAttributeChangesHistory int    `json:"num_attribute_changes_history"`
	NumActiveRelations         int    `json:"num_active_relations"`
	NumRelationChangesHistory  int    `json:"num_relation_changes_history"`
	NumLayerChangesetsHistory  int    `json:"num_layer_changesets_history"`
}

// FactCounts holds raw per-layer counters reported by a fact store.
type FactCounts struct {
	AttributeFacts int
	RelationFacts  int
	Changesets     int
}
