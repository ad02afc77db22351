package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the names under which durable backends persist a Snapshot, in write order.
var Buckets = []string{"layers", "predicates", "cis", "changesets", "attributes", "relations", "traits"}

func (s *Snapshot) bucketTarget(bucket string) (any, bool) {
	switch bucket {
	case "layers":
		return &s.Layers, true
	case "predicates":
		return &s.Predicates, true
	case "cis":
		return &s.CIs, true
	case "changesets":
		return &s.Changesets, true
	case "attributes":
		return &s.Attributes, true
	case "relations":
		return &s.Relations, true
	case "traits":
		return &s.Traits, true
	}
	return nil, false
}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, ok := s.bucketTarget(bucket)
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}

// DecodeBucket unmarshals payload into the named bucket. Unknown buckets are
// ignored so older databases with retired buckets still load.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.bucketTarget(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
