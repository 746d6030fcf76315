package gate

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/trust"
)

// Action is the outcome of an operator rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// RuleOptions configure operator-supplied Rego rules.
type RuleOptions struct {
	// Entrypoint is the decision path, "fetchgate/gate/decision" by default.
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// Rules evaluates operator Rego rules after the built-in checks. The decision
// document is {"action": "allow"|"block", "reason": string}; an undefined
// decision allows.
type Rules struct {
	entrypoint  string
	moduleOrder []string
	parsed      map[string]*ast.Module

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const defaultRuleEntrypoint = "fetchgate/gate/decision"

// Headers exposed to rules. Credential-bearing headers never reach policy
// input.
var ruleHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cross-Origin-Resource-Policy",
	"X-Content-Type-Options",
	"Cache-Control",
	"Server",
}

// NewRules parses and compiles modules.
func NewRules(ctx context.Context, opts RuleOptions) (*Rules, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultRuleEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("gate rules require at least one rego module")
	}

	order := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		order = append(order, name)
	}
	sort.Strings(order)

	parsed := make(map[string]*ast.Module, len(order))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	r := &Rules{
		entrypoint:  entry,
		moduleOrder: order,
		parsed:      parsed,
		queries:     make(map[string]*rego.PreparedEvalQuery),
	}
	if _, err := r.prepared(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return r, nil
}

// Evaluate runs the rules for one response.
func (r *Rules) Evaluate(ctx context.Context, head domain.ResponseHead, rc *trust.RequestContext, remote netip.Addr) (Action, string, error) {
	prepared, err := r.prepared(ctx, r.entrypoint)
	if err != nil {
		return "", "", fmt.Errorf("prepare query: %w", err)
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(ruleInput(head, rc, remote)))
	if err != nil {
		return "", "", fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return ActionAllow, "", nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}
	action, err := parseAction(payload["action"])
	if err != nil {
		return "", "", err
	}
	reason, _ := payload["reason"].(string)
	return action, reason, nil
}

func (r *Rules) prepared(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	r.mu.RLock()
	if q, ok := r.queries[entry]; ok {
		r.mu.RUnlock()
		return q, nil
	}
	r.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(r.parsed)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range r.moduleOrder {
		opts = append(opts, rego.ParsedModule(r.parsed[name]))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queries[entry]; ok {
		return existing, nil
	}
	r.queries[entry] = &q
	return &q, nil
}

func ruleInput(head domain.ResponseHead, rc *trust.RequestContext, remote netip.Addr) map[string]any {
	headers := make(map[string]any, len(ruleHeaders))
	for _, name := range ruleHeaders {
		if v := head.Header.Get(name); v != "" {
			headers[strings.ToLower(name)] = v
		}
	}
	u := rc.URL()
	return map[string]any{
		"request": map[string]any{
			"url":              u.String(),
			"host":             u.Hostname(),
			"method":           rc.Method(),
			"mode":             string(rc.Mode()),
			"initiator":        rc.Initiator().String(),
			"top_frame_origin": rc.TopFrameOrigin().String(),
			"trust_level":      rc.TrustLevel().String(),
			"keep_alive":       rc.KeepAlive(),
			"redirects":        rc.Redirects(),
		},
		"response": map[string]any{
			"status":        head.StatusCode,
			"headers":       headers,
			"address_space": ClassifyAddress(remote).String(),
		},
	}
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return "", fmt.Errorf("opa decision: unknown action %q", text)
	}
}
