package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/runner"
)

var (
	// ErrNoLinkUpCommand means no bring-up command is configured.
	ErrNoLinkUpCommand = errors.New("no secondary link bring-up command configured")

	// ErrLinkUp means the bring-up command failed or timed out.
	ErrLinkUp = errors.New("secondary link bring-up failed")
)

// ScriptActivator brings the cellular link up by running an external
// command. Success is judged by its exit status.
type ScriptActivator struct {
	runner runner.Runner
	log    logrus.FieldLogger
}

// NewScriptActivator creates an activator running commands through r.
func NewScriptActivator(r runner.Runner, log logrus.FieldLogger) *ScriptActivator {
	return &ScriptActivator{runner: r, log: log}
}

// Activate runs cfg.LinkUpCommand, killing it after cfg.LinkUpTimeout.
func (a *ScriptActivator) Activate(ctx context.Context, cfg config.Config) error {
	if len(cfg.LinkUpCommand) == 0 || cfg.LinkUpCommand[0] == "" {
		return ErrNoLinkUpCommand
	}
	name, args := cfg.LinkUpCommand[0], cfg.LinkUpCommand[1:]
	a.log.WithField("command", runner.CommandLine(name, args...)).Info("bringing secondary link up")

	res, err := a.runner.Run(ctx, cfg.LinkUpTimeout, name, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLinkUp, err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: exit status %d: %s", ErrLinkUp, res.ExitCode, lastLine(res.Stderr, res.Stdout))
	}
	return nil
}

// lastLine returns the last non-empty line of the first output that has one.
func lastLine(outputs ...string) string {
	for _, out := range outputs {
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
			return last
		}
	}
	return ""
}
