package optimizer

import "context"

// Command is a typed optimization with an apply/rollback pair and the
// metadata persisted to the audit log. Detectors construct commands;
// the monitor owns their lifecycle: Proposed, then Applied (active),
// then either RolledBack or staying active.
type Command struct {
	name       string
	pattern    string
	priority   int
	estimate   float64
	applyFn    func(context.Context) error
	rollbackFn func(context.Context) error
}

// NewCommand builds a command. Nil apply or rollback funcs become
// no-ops.
func NewCommand(name, pattern string, priority int, estimatePct float64,
	apply, rollback func(context.Context) error) *Command {
	return &Command{
		name:       name,
		pattern:    pattern,
		priority:   priority,
		estimate:   estimatePct,
		applyFn:    apply,
		rollbackFn: rollback,
	}
}

// Name is unique while the command is active.
func (c *Command) Name() string { return c.name }

// Pattern is the mined query pattern the command targets.
func (c *Command) Pattern() string { return c.pattern }

// Priority ranks commands for auto-apply; higher runs first.
func (c *Command) Priority() int { return c.priority }

// EstimatedImprovementPct is the detector's predicted gain.
func (c *Command) EstimatedImprovementPct() float64 { return c.estimate }

// Apply executes the optimization.
func (c *Command) Apply(ctx context.Context) error {
	if c.applyFn == nil {
		return nil
	}
	return c.applyFn(ctx)
}

// Rollback undoes the optimization.
func (c *Command) Rollback(ctx context.Context) error {
	if c.rollbackFn == nil {
		return nil
	}
	return c.rollbackFn(ctx)
}
