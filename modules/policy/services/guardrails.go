package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/pkg/httperr"
)

var newGuardrailCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

var guardrailProgramCache sync.Map

// GuardrailEvaluator runs an organization's CEL constraints against a policy
// document before any remote call is attempted. Every expression must
// evaluate to bool; a false result rejects the mutation with the guardrail's
// code.
type GuardrailEvaluator struct {
	store ports.GuardrailStore
}

func NewGuardrailEvaluator(store ports.GuardrailStore) *GuardrailEvaluator {
	return &GuardrailEvaluator{store: store}
}

// Check returns nil when every guardrail holds. A violated guardrail yields a
// bad-request error carrying the guardrail code; a broken expression is an
// internal error so misconfigured guardrails fail closed.
func (g *GuardrailEvaluator) Check(ctx context.Context, orgID string, p types.Policy) error {
	rails, err := g.store.ListGuardrails(ctx, orgID)
	if err != nil {
		return err
	}
	if len(rails) == 0 {
		return nil
	}

	ctxMap := guardrailContext(p)
	for _, rail := range rails {
		ok, err := evalGuardrailExpr(rail.Expr, ctxMap)
		if err != nil {
			return err
		}
		if !ok {
			return httperr.NewBadRequest(rail.Code)
		}
	}
	return nil
}

func guardrailContext(p types.Policy) map[string]string {
	return map[string]string{
		"org_id":             p.OrgID,
		"target_org_id":      p.TargetOrgID,
		"name":               p.Name,
		"active":             strconv.FormatBool(p.Active),
		"rate":               strconv.FormatInt(p.Rate, 10),
		"per":                strconv.FormatInt(p.Per, 10),
		"quota_max":          strconv.FormatInt(p.QuotaMax, 10),
		"quota_renewal_rate": strconv.FormatInt(p.QuotaRenewalRate, 10),
		"api_count":          strconv.Itoa(len(p.AccessGrants)),
	}
}

func evalGuardrailExpr(expr string, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileGuardrailProgram(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("guardrail expression did not yield bool")
	}
	return v, nil
}

func loadOrCompileGuardrailProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("guardrail expression required")
	}
	if cached, ok := guardrailProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newGuardrailCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("guardrail expression output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	guardrailProgramCache.Store(expr, program)
	return program, nil
}
