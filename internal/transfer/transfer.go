// Package transfer implements the in-guest file-transfer client: a
// control channel (newline-delimited ASCII commands) plus an ephemeral
// data channel opened per file, talking to the harness installed in the
// guest image.
//
// The two-socket control/data split and the retry-on-connect idiom follow
// the reference aegisvm daemon's NetControlChannel/demuxer split (vmm.go /
// lifecycle/demuxer.go: one long-lived control connection, short-lived
// per-operation sockets, bounded dial retries) generalized from JSON-RPC
// framing to this protocol's line-oriented one.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/iotsandbox/detonator/internal/detonerr"
)

const (
	sentinelACK   = "100 ACK" // ACKNOW: client-to-server acknowledgement
	sentinelAIGT  = "200 AIGT" // RES_OK: server success sentinel
	sentinelHello = "HI"
)

// Welcome is the handshake message the harness sends on each new control
// connection: "HI\n<version>\n<pwd>\n<user>\n<euid>".
type Welcome struct {
	Version string
	PWD     string
	User    string
	EUID    int
}

// blockSize returns the data-channel read/write chunk size for a file of
// the given size.
func blockSize(fileSize int64) int {
	switch {
	case fileSize < 4096:
		return 1024
	case fileSize < 8192:
		return 2048
	case fileSize < 16384:
		return 4096
	default:
		return 8192
	}
}

// Session owns one guest's control connection and issues GET/PUT/DEL
// against it, GET and PUT each opening their own ephemeral data
// connection. BYE closes it and sends its verb on a freshly dialed one.
type Session struct {
	addr string // guest transfer-server host:port

	ctrl    net.Conn
	ctrlR   *bufio.Reader
	Welcome Welcome
}

// Dial opens the control channel, retrying up to 5 times at 5-second
// intervals — the harness may not have started its transfer server yet
// when the pipeline first calls in — then reads and parses the Welcome
// handshake.
func Dial(ctx context.Context, addr string) (*Session, error) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	if err != nil {
		return nil, detonerr.NewTransferProtocolError("control channel dial", err)
	}

	s := &Session{addr: addr, ctrl: conn, ctrlR: bufio.NewReader(conn)}
	welcome, err := s.readWelcome()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.Welcome = welcome
	return s, nil
}

func (s *Session) readWelcome() (Welcome, error) {
	hi, err := s.ctrlR.ReadString('\n')
	if err != nil {
		return Welcome{}, detonerr.NewTransferProtocolError("reading welcome", err)
	}
	if strings.TrimSpace(hi) != sentinelHello {
		return Welcome{}, detonerr.NewTransferProtocolError("welcome", fmt.Errorf("expected %q, got %q", sentinelHello, hi))
	}

	fields := make([]string, 4)
	for i := range fields {
		line, err := s.ctrlR.ReadString('\n')
		if err != nil {
			return Welcome{}, detonerr.NewTransferProtocolError("reading welcome", err)
		}
		fields[i] = strings.TrimRight(line, "\r\n")
	}
	euid, err := strconv.Atoi(fields[3])
	if err != nil {
		return Welcome{}, detonerr.NewTransferProtocolError("welcome", fmt.Errorf("bad euid %q: %w", fields[3], err))
	}
	return Welcome{Version: fields[0], PWD: fields[1], User: fields[2], EUID: euid}, nil
}

// writeCommand writes args as a single \n-joined command, e.g.
// writeCommand("GET", name) sends "GET\n<name>\n".
func (s *Session) writeCommand(args ...string) error {
	if _, err := io.WriteString(s.ctrl, strings.Join(args, "\n")+"\n"); err != nil {
		return detonerr.NewTransferProtocolError("writing command", err)
	}
	return nil
}

// readLine reads one \n-delimited response line, translating a numeric
// 3xx prefix into a TransferServerError.
func (s *Session) readLine() (string, error) {
	line, err := s.ctrlR.ReadString('\n')
	if err != nil {
		return "", detonerr.NewTransferProtocolError("reading response", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if code, ok := parseErrorCode(line); ok {
		return "", detonerr.NewTransferServerError(code, line)
	}
	return line, nil
}

// sendCommand writes one newline-delimited command and reads one
// newline-delimited response line, translating a numeric error prefix
// into a TransferServerError. Used by DEL and by the closing ACKNOW of
// GET and PUT.
func (s *Session) sendCommand(cmd string) (string, error) {
	if err := s.writeCommand(cmd); err != nil {
		return "", err
	}
	return s.readLine()
}

// parseErrorCode recognizes a leading 3-digit code in the 3xx range used
// by the transfer server's rejection responses.
func parseErrorCode(line string) (detonerr.TransferServerErrorCode, bool) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 300 || n > 399 {
		return 0, false
	}
	return detonerr.TransferServerErrorCode(n), true
}

// dialData opens the ephemeral data channel for one file transfer,
// retrying up to 5 times at 0.5-second intervals.
func (s *Session) dialData(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, detonerr.NewTransferProtocolError("data channel dial", err)
}

// Close shuts down the control connection.
func (s *Session) Close() error {
	return s.ctrl.Close()
}
