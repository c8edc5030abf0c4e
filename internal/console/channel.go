// Package console implements the line-oriented pseudo-terminal wrapper
// around a hypervisor child process's stdio. It exposes expect/send
// primitives and the login and command-execution state machines built on
// top of them.
//
// The matching primitive follows the reference minimega daemon's own
// expect.Expecter (sandia-minimega-minimega/src/expect/expect.go): a
// bufio.Reader matched against a regexp. This package adds the timeout
// and "before" capture a detonation run needs, which that Expecter does
// not provide.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
)

// Channel is a pattern-driven expect/send wrapper around a child process's
// combined stdio stream.
type Channel struct {
	w io.Writer

	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	readErr error
	closed  bool
}

// New wires a Channel to the given reader/writer pair — typically a
// hypervisor child process's Stdout and Stdin pipes.
func New(r io.Reader, w io.Writer) *Channel {
	c := &Channel{w: w}
	c.cond = sync.NewCond(&c.mu)
	go c.pump(r)
	return c
}

// pump continuously appends bytes from r into the internal buffer and
// wakes any Expect waiters. It is the background reader the reference
// aegisvm daemon's NetControlChannel gets for free from bufio.Scanner +
// net.Conn deadlines; a child process's stdout pipe has no deadline
// support, so Channel polls its own buffer instead.
func (c *Channel) pump(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		c.mu.Lock()
		if n > 0 {
			c.buf.Write(chunk[:n])
		}
		if err != nil {
			c.readErr = err
			c.closed = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Expect blocks until the accumulated output matches pattern or timeout
// elapses. On match it consumes everything up to and including the match
// and returns the text seen before the match as "before".
func (c *Channel) Expect(ctx context.Context, pattern string, timeout time.Duration) (before string, err error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("console: bad pattern %q: %w", pattern, err)
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if loc := re.FindIndex(c.buf.Bytes()); loc != nil {
			all := c.buf.Bytes()
			before = string(all[:loc[0]])
			rest := append([]byte(nil), all[loc[1]:]...)
			c.buf.Reset()
			c.buf.Write(rest)
			return before, nil
		}
		if c.readErr != nil {
			return c.buf.String(), fmt.Errorf("console: stream ended before match: %w", c.readErr)
		}
		if ctx.Err() != nil {
			return c.buf.String(), ctx.Err()
		}
		if time.Now().After(deadline) {
			return c.buf.String(), ErrTimeout
		}
		c.cond.Wait()
	}
}

// Send writes text verbatim to the console, with no trailing newline.
func (c *Channel) Send(text string) error {
	_, err := io.WriteString(c.w, text)
	return err
}

// SendLine writes text followed by a newline.
func (c *Channel) SendLine(text string) error {
	return c.Send(text + "\n")
}

// Drain returns (and clears) whatever has accumulated in the buffer since
// the last Expect, without requiring a pattern match.
func (c *Channel) Drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// ErrTimeout is returned by Expect when the pattern does not match before
// the deadline. The caller maps this to detonerr.QemuError with
// ReasonPromptTimeout.
var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "console: expect timed out" }
