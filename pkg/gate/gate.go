// Package gate decides, once per response and before any body byte reaches
// the client, whether a response may be delivered. Checks run in a fixed
// order and stop at the first block: private network access, cross-origin
// resource policy, opaque-response blocking, then optional operator rules.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/trust"
)

// Mode selects how a check is applied.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeWarn     Mode = "warn"
	ModeEnforce  Mode = "enforce"
)

// ParseMode parses a mode name. Empty selects enforce.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeEnforce, nil
	case ModeDisabled, ModeWarn, ModeEnforce:
		return m, nil
	default:
		return "", fmt.Errorf("unknown gate mode %q", s)
	}
}

// Check names a gate stage.
type Check string

const (
	CheckPNA  Check = "pna"
	CheckCORP Check = "corp"
	CheckORB  Check = "orb"
	CheckRule Check = "rule"
)

// Policy is the hot-reloadable gate configuration.
type Policy struct {
	PNA Mode
	// ORB supports disabled and enforce only.
	ORB Mode
}

// DefaultPolicy enforces every check.
func DefaultPolicy() Policy {
	return Policy{PNA: ModeEnforce, ORB: ModeEnforce}
}

// Validate rejects unknown modes and a warn-only ORB.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.PNA)); err != nil {
		return fmt.Errorf("pna: %w", err)
	}
	orb, err := ParseMode(string(p.ORB))
	if err != nil {
		return fmt.Errorf("orb: %w", err)
	}
	if orb == ModeWarn {
		return fmt.Errorf("orb: mode %q not supported", ModeWarn)
	}
	return nil
}

func (p Policy) normalized() Policy {
	pna, _ := ParseMode(string(p.PNA))
	orb, _ := ParseMode(string(p.ORB))
	return Policy{PNA: pna, ORB: orb}
}

// Verdict is the gate decision for one response.
type Verdict struct {
	Blocked bool
	Check   Check
	Reason  string
	// Warnings lists checks that would have blocked in enforce mode.
	Warnings []Check
}

// Err converts a blocking verdict into a domain error.
func (v Verdict) Err() error {
	if !v.Blocked {
		return nil
	}
	return domain.NewError(domain.ErrBlocked, "%s: %s", v.Check, v.Reason).WithDetail("check", string(v.Check))
}

// Config configures a Gate.
type Config struct {
	Policy  Policy
	Rules   *Rules
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Gate is safe for concurrent use. Policy and rules may be swapped while
// requests are being evaluated.
type Gate struct {
	policy  atomic.Pointer[Policy]
	rules   atomic.Pointer[Rules]
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New creates a gate.
func New(cfg Config) (*Gate, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		metrics: cfg.Metrics,
		logger:  logger.With("component", "gate"),
	}
	p := cfg.Policy.normalized()
	g.policy.Store(&p)
	g.rules.Store(cfg.Rules)
	return g, nil
}

// SetPolicy replaces the policy for subsequent evaluations.
func (g *Gate) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	n := p.normalized()
	g.policy.Store(&n)
	g.logger.Info("gate policy updated", "pna", string(n.PNA), "orb", string(n.ORB))
	return nil
}

// Policy returns the current policy.
func (g *Gate) Policy() Policy {
	return *g.policy.Load()
}

// SetRules replaces the operator rules. Nil removes them.
func (g *Gate) SetRules(r *Rules) {
	g.rules.Store(r)
}

// Evaluate decides on one response. sniff holds at most SniffLimit leading
// body bytes; remote is the connected peer address, invalid when unknown.
func (g *Gate) Evaluate(ctx context.Context, head domain.ResponseHead, sniff []byte, rc *trust.RequestContext, remote netip.Addr) Verdict {
	if head.Header == nil {
		head.Header = make(http.Header)
	}
	if len(sniff) > SniffLimit {
		sniff = sniff[:SniffLimit]
	}
	policy := g.Policy()
	var v Verdict

	if policy.PNA != ModeDisabled {
		if blocked, reason := checkPNA(rc, remote); blocked {
			if policy.PNA == ModeEnforce {
				return g.block(ctx, rc, CheckPNA, reason, v.Warnings)
			}
			v.Warnings = append(v.Warnings, CheckPNA)
			g.logger.WarnContext(ctx, "private network access would be blocked",
				"request_id", rc.ID(),
				"reason", reason,
			)
		}
		telemetry.RecordGateVerdict(ctx, string(CheckPNA), false)
	}

	if blocked, reason := checkCORP(head, rc); blocked {
		return g.block(ctx, rc, CheckCORP, reason, v.Warnings)
	}
	telemetry.RecordGateVerdict(ctx, string(CheckCORP), false)

	if policy.ORB == ModeEnforce {
		if blocked, reason := checkORB(head, sniff, rc); blocked {
			return g.block(ctx, rc, CheckORB, reason, v.Warnings)
		}
		telemetry.RecordGateVerdict(ctx, string(CheckORB), false)
	}

	if rules := g.rules.Load(); rules != nil {
		action, reason, err := rules.Evaluate(ctx, head, rc, remote)
		if err != nil {
			return g.block(ctx, rc, CheckRule, "rule evaluation failed: "+err.Error(), v.Warnings)
		}
		if action == ActionBlock {
			if reason == "" {
				reason = "operator rule"
			}
			return g.block(ctx, rc, CheckRule, reason, v.Warnings)
		}
		telemetry.RecordGateVerdict(ctx, string(CheckRule), false)
	}
	return v
}

func (g *Gate) block(ctx context.Context, rc *trust.RequestContext, check Check, reason string, warnings []Check) Verdict {
	logging.SecurityEvent(ctx, g.logger, "response blocked",
		"request_id", rc.ID(),
		"check", string(check),
		"reason", reason,
		"origin", rc.Origin().String(),
	)
	telemetry.RecordGateVerdict(ctx, string(check), true)
	g.metrics.RecordGateBlock(string(check))
	return Verdict{Blocked: true, Check: check, Reason: reason, Warnings: warnings}
}

// SanitizeHeaders returns the minimal header set delivered with a blocked
// response.
func SanitizeHeaders(h http.Header) http.Header {
	out := make(http.Header, 2)
	if d := h.Get("Date"); d != "" {
		out.Set("Date", d)
	}
	out.Set("Cache-Control", "no-store")
	return out
}

// SanitizeHead strips a blocked response head.
func SanitizeHead(head domain.ResponseHead) domain.ResponseHead {
	return domain.ResponseHead{
		StatusCode: head.StatusCode,
		Header:     SanitizeHeaders(head.Header),
		Sanitized:  true,
	}
}
