package services

import (
	"context"
	"testing"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/pkg/httperr"
)

func TestGuardrailCheckNoRails(t *testing.T) {
	ev := NewGuardrailEvaluator(&stubGuardrails{})
	if err := ev.Check(context.Background(), "org-a", types.Policy{Rate: 100}); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestGuardrailCheckViolation(t *testing.T) {
	ev := NewGuardrailEvaluator(&stubGuardrails{rails: []ports.Guardrail{
		{ID: 1, Code: "UNLIMITED_QUOTA_FORBIDDEN", Expr: `int(ctx.quota_max) != -1`},
	}})

	err := ev.Check(context.Background(), "org-a", types.Policy{QuotaMax: types.QuotaUnlimited})
	if !httperr.IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if err.Error() != "UNLIMITED_QUOTA_FORBIDDEN" {
		t.Fatalf("err=%v", err)
	}

	if err := ev.Check(context.Background(), "org-a", types.Policy{QuotaMax: 500}); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestGuardrailCheckContextFields(t *testing.T) {
	ev := NewGuardrailEvaluator(&stubGuardrails{rails: []ports.Guardrail{
		{ID: 1, Code: "NAME_PREFIX", Expr: `ctx.name.startsWith("tier-")`},
		{ID: 2, Code: "API_LIMIT", Expr: `int(ctx.api_count) <= 2`},
	}})

	p := types.Policy{
		Name: "tier-gold",
		AccessGrants: []types.APIAccessGrant{
			{APIID: "a"}, {APIID: "b"},
		},
	}
	if err := ev.Check(context.Background(), "org-a", p); err != nil {
		t.Fatalf("err=%v", err)
	}

	p.Name = "gold"
	err := ev.Check(context.Background(), "org-a", p)
	if err == nil || err.Error() != "NAME_PREFIX" {
		t.Fatalf("err=%v", err)
	}
}

func TestGuardrailBrokenExpressionFailsClosed(t *testing.T) {
	ev := NewGuardrailEvaluator(&stubGuardrails{rails: []ports.Guardrail{
		{ID: 1, Code: "X", Expr: `ctx.rate +`},
	}})

	err := ev.Check(context.Background(), "org-a", types.Policy{})
	if err == nil {
		t.Fatal("expected error")
	}
	if httperr.IsBadRequest(err) {
		t.Fatalf("broken guardrail is an internal error, got %v", err)
	}
}

func TestGuardrailNonBoolExpressionRejected(t *testing.T) {
	ev := NewGuardrailEvaluator(&stubGuardrails{rails: []ports.Guardrail{
		{ID: 1, Code: "X", Expr: `ctx.name`},
	}})

	if err := ev.Check(context.Background(), "org-a", types.Policy{Name: "gold"}); err == nil {
		t.Fatal("expected error")
	}
}
