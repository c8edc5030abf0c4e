package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/iotsandbox/detonator/internal/detonerr"
)

// Get downloads remotePath from the guest into localPath: send
// "GET\n<name>", read the three-line "200 AIGT\n<port>\n<size>" handoff,
// ACKNOW, dial the data channel and read exactly size bytes, then ACKNOW
// again on control and expect RES_OK. A local file that already exists is
// never overwritten.
func (s *Session) Get(ctx context.Context, remotePath, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		return detonerr.NewTransferProtocolError("GET", fmt.Errorf("local file %s already exists", localPath))
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if err := s.writeCommand("GET", remotePath); err != nil {
		return err
	}
	status, err := s.readLine()
	if err != nil {
		return s.ackRejection(err)
	}
	if status != sentinelAIGT {
		return detonerr.NewTransferProtocolError("GET handoff", fmt.Errorf("expected %q, got %q", sentinelAIGT, status))
	}
	port, err := s.readIntLine()
	if err != nil {
		return detonerr.NewTransferProtocolError("GET handoff port", err)
	}
	size, err := s.readIntLine()
	if err != nil {
		return detonerr.NewTransferProtocolError("GET handoff size", err)
	}

	if err := s.writeCommand(sentinelACK); err != nil {
		return err
	}

	dataAddr := fmt.Sprintf("%s:%d", hostOf(s.addr), port)
	conn, err := s.dialData(ctx, dataAddr)
	if err != nil {
		return err
	}

	f, err := os.Create(localPath)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating %s: %w", localPath, err)
	}

	buf := make([]byte, blockSize(int64(size)))
	_, copyErr := io.CopyBuffer(f, io.LimitReader(conn, int64(size)), buf)
	f.Close()
	conn.Close()
	if copyErr != nil {
		return detonerr.NewTransferProtocolError("GET data transfer", copyErr)
	}

	resp, err := s.sendCommand(sentinelACK)
	if err != nil {
		return err
	}
	if resp != sentinelAIGT {
		return detonerr.NewTransferProtocolError("GET completion", fmt.Errorf("expected %q, got %q", sentinelAIGT, resp))
	}
	return nil
}

// Put uploads localPath to remotePath on the guest. Mirrors Get, omitting
// the size field from the server's handoff reply since PUT already told
// the server the size. A local file that does not exist is never sent.
func (s *Session) Put(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	size := info.Size()

	if err := s.writeCommand("PUT", remotePath, strconv.FormatInt(size, 10)); err != nil {
		return err
	}
	status, err := s.readLine()
	if err != nil {
		return s.ackRejection(err)
	}
	if status != sentinelAIGT {
		return detonerr.NewTransferProtocolError("PUT handoff", fmt.Errorf("expected %q, got %q", sentinelAIGT, status))
	}
	port, err := s.readIntLine()
	if err != nil {
		return detonerr.NewTransferProtocolError("PUT handoff port", err)
	}

	if err := s.writeCommand(sentinelACK); err != nil {
		return err
	}

	dataAddr := fmt.Sprintf("%s:%d", hostOf(s.addr), port)
	conn, err := s.dialData(ctx, dataAddr)
	if err != nil {
		return err
	}

	buf := make([]byte, blockSize(size))
	_, copyErr := io.CopyBuffer(conn, f, buf)
	conn.Close()
	if copyErr != nil {
		return detonerr.NewTransferProtocolError("PUT data transfer", copyErr)
	}

	resp, err := s.sendCommand(sentinelACK)
	if err != nil {
		return err
	}
	if resp != sentinelAIGT {
		return detonerr.NewTransferProtocolError("PUT completion", fmt.Errorf("expected %q, got %q", sentinelAIGT, resp))
	}
	return nil
}

// Del removes remotePath on the guest. A successful deletion acknowledges
// with the plain "100 ACK" sentinel; failure arrives as a numeric
// TransferServerError (e.g. 302 no such file).
func (s *Session) Del(remotePath string) error {
	resp, err := s.sendCommand(fmt.Sprintf("DEL\n%s", remotePath))
	if err != nil {
		return err
	}
	if resp != sentinelACK {
		return detonerr.NewTransferProtocolError("DEL", fmt.Errorf("unexpected response %q", resp))
	}
	return nil
}

// Bye opens a fresh control connection — BYE never reuses the
// connection a prior GET/PUT left open — reads its welcome, sends BYE,
// and reads one response word.
func (s *Session) Bye(ctx context.Context) error {
	s.ctrl.Close()
	fresh, err := Dial(ctx, s.addr)
	if err != nil {
		return err
	}
	s.ctrl = fresh.ctrl
	s.ctrlR = fresh.ctrlR
	s.Welcome = fresh.Welcome

	if _, err := io.WriteString(s.ctrl, "BYE\n"); err != nil {
		return detonerr.NewTransferProtocolError("writing BYE", err)
	}
	if _, err := s.ctrlR.ReadString('\n'); err != nil {
		return detonerr.NewTransferProtocolError("reading BYE response", err)
	}
	return nil
}

// ackRejection sends ACKNOW on the control channel before surfacing a GET
// or PUT handoff error, matching the in-guest harness's expectation that
// every 3xx rejection is acknowledged before the client gives up — skipping
// it leaves the control channel desynced for whatever the caller tries
// next. Only a TransferServerError (a 3xx rejection line) triggers the ack;
// a transport-level read failure has no rejection to acknowledge.
func (s *Session) ackRejection(err error) error {
	var serverErr *detonerr.TransferServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	if ackErr := s.writeCommand(sentinelACK); ackErr != nil {
		return ackErr
	}
	return err
}

// readIntLine reads one \n-delimited line and parses it as a decimal
// integer, used for the port/size fields of the GET/PUT handoff.
func (s *Session) readIntLine() (int, error) {
	line, err := s.ctrlR.ReadString('\n')
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", line, err)
	}
	return n, nil
}

// hostOf returns the host portion of a host:port address.
func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
