// Package policy evaluates the per-client CEL expressions that gate access to
// a client and adjust the claims in its identity tokens.
package policy

import (
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
	"lds.li/idsrv/internal/config"
)

var mapType = reflect.TypeOf(map[string]any{})

// Input is what an expression can see about the request.
type Input struct {
	// User is the subject's profile claims.
	User map[string]any
	// ClientID is the client being authorized.
	ClientID string
	// Scopes are the granted scopes.
	Scopes []string
}

func (i Input) activation() map[string]any {
	user := i.User
	if user == nil {
		user = map[string]any{}
	}
	scopes := i.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"user":   user,
		"client": i.ClientID,
		"scopes": scopes,
	}
}

type PolicyEvaluator struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

func NewPolicyEvaluator() (*PolicyEvaluator, error) {
	var env *cel.Env
	var err error
	claimsType := cel.MapType(cel.StringType, cel.DynType)
	env, err = cel.NewEnv(
		cel.StdLib(),
		cel.Variable("claims", claimsType),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("client", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
		cel.Function("patch",
			cel.MemberOverload("claims_patch_map",
				[]*cel.Type{claimsType, cel.MapType(cel.StringType, cel.DynType)},
				claimsType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					base, err := lhs.ConvertToNative(mapType)
					if err != nil {
						return types.NewErr("failed to convert claims to map: %v", err)
					}
					patch, err := rhs.ConvertToNative(mapType)
					if err != nil {
						return types.NewErr("failed to convert patch to map: %v", err)
					}
					ret := maps.Clone(base.(map[string]any))
					for k, v := range patch.(map[string]any) {
						if isNull(v) {
							delete(ret, k)
							continue
						}
						ret[k] = v
					}
					return env.CELTypeAdapter().NativeToValue(ret)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("new cel env: %w", err)
	}
	return &PolicyEvaluator{env: env}, nil
}

func isNull(v any) bool {
	return v == nil || v == structpb.NullValue_NULL_VALUE
}

func (pe *PolicyEvaluator) getProgram(expression string) (cel.Program, error) {
	if val, ok := pe.programs.Load(expression); ok {
		return val.(cel.Program), nil
	}

	ast, issues := pe.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	prg, err := pe.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	pe.programs.Store(expression, prg)
	return prg, nil
}

// EvaluateAuthorization runs an authorization expression, which must return a
// bool. An empty expression allows everything.
func (pe *PolicyEvaluator) EvaluateAuthorization(expression string, in Input) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return false, err
	}

	act := in.activation()
	act["claims"] = map[string]any{}
	out, _, err := prg.Eval(act)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}

	return val, nil
}

// EvaluateClaims runs a claims expression against the initial claims. The
// expression returns the new claims map, usually via claims.patch({...}), or
// null to leave them unchanged.
func (pe *PolicyEvaluator) EvaluateClaims(expression string, initialClaims map[string]any, in Input) (map[string]any, error) {
	if expression == "" {
		return initialClaims, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return nil, err
	}

	act := in.activation()
	act["claims"] = initialClaims
	out, _, err := prg.Eval(act)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	if out.Type() == types.NullType {
		return initialClaims, nil
	}

	nv, err := out.ConvertToNative(mapType)
	if err != nil {
		return nil, fmt.Errorf("expression did not return a claims map, returned %s", out.Type().TypeName())
	}
	ret := maps.Clone(nv.(map[string]any))
	for k, v := range ret {
		if isNull(v) {
			delete(ret, k)
		}
	}
	return ret, nil
}

func (pe *PolicyEvaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := pe.getProgram(expression)
	return err
}

// ValidateClient compiles both of the client's policies.
func (pe *PolicyEvaluator) ValidateClient(cl *config.Client) error {
	if err := pe.Validate(cl.ClaimsPolicy); err != nil {
		return fmt.Errorf("client %s claims policy: %w", cl.ID, err)
	}
	if err := pe.Validate(cl.AuthorizationPolicy); err != nil {
		return fmt.Errorf("client %s authorization policy: %w", cl.ID, err)
	}
	return nil
}

func ValidatePolicies(cfg *config.Config) error {
	pe, err := NewPolicyEvaluator()
	if err != nil {
		return fmt.Errorf("creating policy evaluator: %w", err)
	}

	for _, cl := range cfg.Clients {
		if err := pe.ValidateClient(&cl); err != nil {
			return err
		}
	}
	return nil
}
