package core

import "github.com/max-bytes/omnikeeper-sub003/pkg/domain"

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewLayerStateRule())
	return engine
}
