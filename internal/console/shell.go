package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LoginConfig parameterizes the console login state machine.
type LoginConfig struct {
	LoginPrompt string
	Username    string
	Password    string
	UserPrompt  string // "# " for root, "$ " otherwise
	Timeout     time.Duration
}

// Login drives: expect login_prompt -> send username -> expect "Password:"
// -> send password -> expect user-prompt. Any timeout or mismatch is fatal
// (the caller wraps it as detonerr.QemuError{Reason: ReasonLoginFailed}).
func (c *Channel) Login(ctx context.Context, cfg LoginConfig) error {
	if _, err := c.Expect(ctx, cfg.LoginPrompt, cfg.Timeout); err != nil {
		return fmt.Errorf("console: waiting for login prompt: %w", err)
	}
	if err := c.SendLine(cfg.Username); err != nil {
		return fmt.Errorf("console: sending username: %w", err)
	}
	if _, err := c.Expect(ctx, "Password:", cfg.Timeout); err != nil {
		return fmt.Errorf("console: waiting for password prompt: %w", err)
	}
	if err := c.SendLine(cfg.Password); err != nil {
		return fmt.Errorf("console: sending password: %w", err)
	}
	if _, err := c.Expect(ctx, regexpQuote(cfg.UserPrompt), cfg.Timeout); err != nil {
		return fmt.Errorf("console: waiting for user prompt: %w", err)
	}
	return nil
}

// StartCommand sends the command line. It is the first half of a
// synchronous run and the entirety of an asynchronous one: run(cmd,
// wait=false) completes the send step then returns.
func (c *Channel) StartCommand(cmd string) error {
	return c.SendLine(cmd)
}

// FinishCommand completes a command started with StartCommand: expect the
// user prompt, capture the raw output as "before", send "echo $?", expect
// the prompt again, and parse the exit code from the second line of the
// second "before". The captured output is stripped of the echoed command
// line and trimmed.
func (c *Channel) FinishCommand(ctx context.Context, cmd, userPrompt string, timeout time.Duration) (exitCode int, output string, err error) {
	before, err := c.Expect(ctx, regexpQuote(userPrompt), timeout)
	if err != nil {
		return 0, "", fmt.Errorf("console: waiting for command completion: %w", err)
	}
	output = stripEchoedCommand(before, cmd)

	if err := c.SendLine("echo $?"); err != nil {
		return 0, "", fmt.Errorf("console: sending exit-code probe: %w", err)
	}
	statusBefore, err := c.Expect(ctx, regexpQuote(userPrompt), timeout)
	if err != nil {
		return 0, "", fmt.Errorf("console: waiting for exit-code probe: %w", err)
	}

	exitCode, err = parseExitCode(statusBefore)
	if err != nil {
		return 0, output, err
	}
	return exitCode, output, nil
}

// Interrupt sends Ctrl-C (0x03) to the console, used by terminateExisting.
func (c *Channel) Interrupt() error {
	return c.Send("\x03")
}

// parseExitCode parses the integer from the second line of "before" as
// the exit code — the first line is the echoed "echo $?" command itself,
// the second is its output.
func parseExitCode(before string) (int, error) {
	lines := strings.Split(strings.ReplaceAll(before, "\r\n", "\n"), "\n")
	var numeric []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			numeric = append(numeric, t)
		}
	}
	if len(numeric) < 2 {
		return 0, fmt.Errorf("console: could not find exit-code line in %q", before)
	}
	code, err := strconv.Atoi(numeric[1])
	if err != nil {
		return 0, fmt.Errorf("console: parsing exit code from %q: %w", numeric[1], err)
	}
	return code, nil
}

// stripEchoedCommand removes the echoed command line the guest shell wrote
// back and trims the remainder.
func stripEchoedCommand(before, cmd string) string {
	lines := strings.Split(strings.ReplaceAll(before, "\r\n", "\n"), "\n")
	out := lines[:0]
	skipped := false
	for _, l := range lines {
		if !skipped && strings.TrimSpace(l) == strings.TrimSpace(cmd) {
			skipped = true
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// regexpQuote escapes a literal prompt string for use as an Expect pattern.
func regexpQuote(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`, `.`, `\.`, `+`, `\+`, `*`, `\*`, `?`, `\?`, `(`, `\(`, `)`, `\)`,
		`[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`, `^`, `\^`, `$`, `\$`, `|`, `\|`,
	)
	return r.Replace(s)
}
