// Package monitor implements the hypervisor control channel: a JSON
// (QMP-like) backend and a text-console backend, mutually exclusive per
// VM.
//
// The JSON backend's framing and whitelist-dispatch follows the
// reference aegisvm daemon's vmm.ControlChannel contract
// (internal/vmm/vmm.go: newline-delimited JSON, Send/Recv/Close) and its
// recvLoop/pending-map demuxer idiom (internal/lifecycle/demuxer.go),
// adapted for QMP's id-less framing: QMP replies carry no id field, so a
// single in-flight call is enforced by a mutex rather than a pending-map
// keyed by id.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/iotsandbox/detonator/internal/detonerr"
)

// Backend is the control-channel abstraction. Exactly one backend is
// active per VM: UseJSONMonitor in sandbox.VmConfig selects which.
type Backend interface {
	// Send issues op with args and waits for the reply. Only a whitelisted
	// set of ops are supported (quit, loadvm, savevm, qmp_capabilities) —
	// anything else returns detonerr.QemuError{Reason: ReasonUnsupportedMonitorOp}.
	Send(ctx context.Context, op string, args map[string]any) (map[string]any, error)
	Close() error
}

// allowedOps is the whitelist of commands the JSON monitor backend will
// forward; it never passes through an arbitrary QMP command.
var allowedOps = map[string]bool{
	"qmp_capabilities": true,
	"quit":             true,
	"loadvm":           true,
	"savevm":           true,
}

// JSONBackend is a QMP-style monitor reached over a TCP control socket.
type JSONBackend struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex // serializes Send: QMP has no request id to demux on
}

// DialJSON connects to the QMP socket at addr and performs the greeting +
// qmp_capabilities handshake: on connect the monitor emits a greeting
// object, and the client must send qmp_capabilities before any other
// command is accepted.
func DialJSON(ctx context.Context, addr string) (*JSONBackend, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorHandshake, fmt.Errorf("dial %s: %w", addr, err))
	}
	b := &JSONBackend{conn: conn, r: bufio.NewReader(conn)}

	if _, err := b.readLine(ctx); err != nil { // greeting
		conn.Close()
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorHandshake, fmt.Errorf("reading greeting: %w", err))
	}
	if _, err := b.Send(ctx, "qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorHandshake, fmt.Errorf("qmp_capabilities: %w", err))
	}
	return b, nil
}

func (b *JSONBackend) readLine(ctx context.Context) (map[string]any, error) {
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetReadDeadline(dl)
		defer b.conn.SetReadDeadline(time.Time{})
	}
	for {
		line, err := b.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("invalid JSON from monitor: %w", err)
		}
		if _, isEvent := msg["event"]; isEvent {
			continue // events are skipped
		}
		return msg, nil
	}
}

// Send implements Backend.
func (b *JSONBackend) Send(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	if !allowedOps[op] {
		return nil, detonerr.NewQemuError(detonerr.ReasonUnsupportedMonitorOp, fmt.Errorf("op %q not in whitelist", op))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	req := map[string]any{"execute": op}
	if args != nil {
		req["arguments"] = args
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("monitor: marshaling request: %w", err)
	}
	payload = append(payload, '\n')

	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(dl)
		defer b.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := b.conn.Write(payload); err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("writing %s: %w", op, err))
	}

	reply, err := b.readLine(ctx)
	if err != nil {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("reading reply to %s: %w", op, err))
	}
	if errObj, ok := reply["error"]; ok {
		return nil, detonerr.NewQemuError(detonerr.ReasonMonitorError, fmt.Errorf("%s rejected: %v", op, errObj))
	}
	result, _ := reply["return"].(map[string]any)
	return result, nil
}

// Close implements Backend.
func (b *JSONBackend) Close() error {
	return b.conn.Close()
}
