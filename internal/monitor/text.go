package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iotsandbox/detonator/internal/console"
	"github.com/iotsandbox/detonator/internal/detonerr"
)

// escapeSequence is the hypervisor's console-to-monitor toggle (QEMU's
// "Ctrl-A c"), sent twice by TextBackend: once to switch into the monitor
// and once to switch back to the guest console afterward.
const escapeSequence = "\x01c"

// monitorPrompt is what the text monitor prints when ready for a command.
const monitorPrompt = `\(qemu\) `

// TextBackend multiplexes the monitor over the same console channel used
// for guest commands: the text monitor and guest console share one
// serial line, so issuing a monitor command requires toggling into
// monitor mode, and guest command execution must not be attempted while
// toggled in. Because of that sharing, TextBackend and the guest command
// state machine in package console must never run concurrently against
// the same Channel — enforced by vmctl's controller mutex, not by this
// package.
type TextBackend struct {
	ch      *console.Channel
	timeout time.Duration
}

// NewTextBackend wraps an already-logged-in console channel.
func NewTextBackend(ch *console.Channel, timeout time.Duration) *TextBackend {
	return &TextBackend{ch: ch, timeout: timeout}
}

// Send implements Backend by toggling into monitor mode, sending one line,
// reading up to the next monitor prompt, and toggling back out.
func (b *TextBackend) Send(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	if !allowedOps[op] {
		return nil, detonerr.NewQemuError(detonerr.ReasonUnsupportedMonitorOp, fmt.Errorf("op %q not in whitelist", op))
	}

	if err := b.ch.Send(escapeSequence); err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("toggling into monitor: %w", err))
	}
	if _, err := b.ch.Expect(ctx, monitorPrompt, b.timeout); err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorHandshake, fmt.Errorf("waiting for monitor prompt: %w", err))
	}

	line := textCommandLine(op, args)
	if err := b.ch.SendLine(line); err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("sending %s: %w", op, err))
	}
	before, err := b.ch.Expect(ctx, monitorPrompt, b.timeout)
	if err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("waiting for %s reply: %w", op, err))
	}

	if err := b.ch.Send(escapeSequence); err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("toggling out of monitor: %w", err))
	}

	out := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(before), line))
	if out == "" {
		return nil, nil
	}
	return map[string]any{"text": out}, nil
}

// Close is a no-op: the underlying console.Channel is owned by the caller,
// typically the same controller that also issues guest commands over it.
func (b *TextBackend) Close() error { return nil }

// textCommandLine renders op/args as the human monitor's line syntax
// (e.g. "loadvm snap0"), not QMP's JSON object syntax.
func textCommandLine(op string, args map[string]any) string {
	if len(args) == 0 {
		return op
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, op)
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%v", v))
		_ = k
	}
	return strings.Join(parts, " ")
}
