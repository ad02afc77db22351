package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() == "" {
		t.Fatalf("expected error string")
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}

// rules below never touch the view
type emptyView struct{ TransactionView }

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"first"})
	engine.Register(staticRule{"second"})
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 || res.Violations[0].Rule != "first" || res.Violations[1].Rule != "second" {
		t.Fatalf("expected violations in registration order, got %+v", res.Violations)
	}
	rules := engine.Rules()
	rules[0] = errorRule{}
	if engine.Rules()[0].Name() != "first" {
		t.Fatalf("Rules must return a copy")
	}
}

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"ok"})
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

func TestConfigurationErrorsClassify(t *testing.T) {
	cases := []error{
		UnknownLayerError{Layer: "x"},
		TraitCycleError{Path: []string{"a", "b", "a"}},
		UnknownTraitError{Trait: "a"},
		InvalidTraitError{Trait: "a", Reason: "bad"},
		InvalidIDError{Kind: "layer", ID: "X"},
		fmt.Errorf("wrapped: %w", UnknownLayerError{Layer: "y"}),
	}
	for _, err := range cases {
		if !IsConfigurationError(err) {
			t.Fatalf("expected %v to be a configuration error", err)
		}
	}
	if IsConfigurationError(NotFoundError{Entity: EntityLayer, ID: "x"}) || IsConfigurationError(ErrInvalidAttribute) {
		t.Fatalf("data errors are not configuration errors")
	}
	if got := (UnknownTraitError{Trait: "b", Referrer: "a"}).Error(); got != `trait "a" requires unknown trait "b"` {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (TraitCycleError{Path: []string{"a", "b", "a"}}).Error(); got != "cyclic trait ancestry: a -> b -> a" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(fmt.Errorf("x: %w", ErrAttributeNotFound), ErrAttributeNotFound) {
		t.Fatalf("sentinel must survive wrapping")
	}
}

func TestItemResultOK(t *testing.T) {
	if !(ItemResult[int]{Value: 1}).OK() {
		t.Fatalf("expected ok item")
	}
	if (ItemResult[int]{Err: errors.New("x")}).OK() {
		t.Fatalf("expected failed item")
	}
}
