package governance

import (
	"context"
	"fmt"
	"time"
)

// StageTimeouts bound the suspensions of a request lifecycle. Zero leaves a
// stage unbounded.
type StageTimeouts struct {
	// Connect covers dialing, sending the request and receiving headers.
	Connect time.Duration `yaml:"connect"`
	// AuthDecision bounds the wait for a privileged observer's answer.
	AuthDecision time.Duration `yaml:"auth_decision"`
	// BodyIdle is the longest gap between two body reads.
	BodyIdle time.Duration `yaml:"body_idle"`
}

// DefaultStageTimeouts returns the built-in stage timeouts.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Connect:      30 * time.Second,
		AuthDecision: 5 * time.Minute,
		BodyIdle:     2 * time.Minute,
	}
}

// Validate rejects negative timeouts.
func (s StageTimeouts) Validate() error {
	if s.Connect < 0 || s.AuthDecision < 0 || s.BodyIdle < 0 {
		return fmt.Errorf("stage timeouts must not be negative")
	}
	return nil
}

// WithStage derives a context bounded by d, or a plain cancellable one when d
// is zero.
func WithStage(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
