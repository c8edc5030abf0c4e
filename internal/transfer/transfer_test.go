package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotsandbox/detonator/internal/detonerr"
)

// fakeServer is a minimal stand-in for the in-guest harness: it speaks just
// enough of the control/data protocol to exercise the client.
type fakeServer struct {
	ln    net.Listener
	files map[string][]byte // in-memory remote files for GET
	byeCh chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{ln: ln, files: map[string][]byte{}, byeCh: make(chan struct{}, 1)}
}

func (f *fakeServer) addr() string { return f.ln.Addr().String() }

// serveOne handles exactly one control connection. Protocol violations are
// reported on errCh rather than via *testing.T, since this runs in its own
// goroutine and T.Fatal/T.Error are only safe to call from the test's own
// goroutine.
func (f *fakeServer) serveOne(errCh chan<- error) {
	conn, err := f.ln.Accept()
	if err != nil {
		errCh <- nil
		return
	}
	defer conn.Close()

	io.WriteString(conn, "HI\n1.0\n/root\nroot\n0\n")
	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	if err != nil {
		errCh <- nil
		return
	}
	verb := trimNL(line)

	switch verb {
	case "GET":
		name, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		data, ok := f.files[name]
		if !ok {
			io.WriteString(conn, "302 No such file or directory\n")
			ack, err := readLineOrErr(r)
			if err != nil {
				errCh <- fmt.Errorf("GET rejection: reading client ack: %w", err)
				return
			}
			if ack != sentinelACK {
				errCh <- fmt.Errorf("GET rejection: expected ACKNOW, got %q", ack)
				return
			}
			errCh <- nil
			return
		}
		dl, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- fmt.Errorf("data listen: %w", err)
			return
		}
		defer dl.Close()
		port := dl.Addr().(*net.TCPAddr).Port
		fmt.Fprintf(conn, "200 AIGT\n%d\n%d\n", port, len(data))

		ack, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if ack != sentinelACK {
			errCh <- fmt.Errorf("GET: expected ACKNOW, got %q", ack)
			return
		}

		dconn, err := dl.Accept()
		if err != nil {
			errCh <- fmt.Errorf("data accept: %w", err)
			return
		}
		dconn.Write(data)
		dconn.Close()

		ack2, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if ack2 != sentinelACK {
			errCh <- fmt.Errorf("GET: expected closing ACKNOW, got %q", ack2)
			return
		}
		io.WriteString(conn, sentinelAIGT+"\n")
		errCh <- nil

	case "PUT":
		name, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if _, err := readLineOrErr(r); err != nil { // size, unused by the fake
			errCh <- err
			return
		}
		dl, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- fmt.Errorf("data listen: %w", err)
			return
		}
		defer dl.Close()
		port := dl.Addr().(*net.TCPAddr).Port
		fmt.Fprintf(conn, "200 AIGT\n%d\n", port)

		ack, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if ack != sentinelACK {
			errCh <- fmt.Errorf("PUT: expected ACKNOW, got %q", ack)
			return
		}

		dconn, err := dl.Accept()
		if err != nil {
			errCh <- fmt.Errorf("data accept: %w", err)
			return
		}
		data, err := io.ReadAll(dconn)
		dconn.Close()
		if err != nil {
			errCh <- fmt.Errorf("reading PUT data: %w", err)
			return
		}
		f.files[name] = data

		ack2, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if ack2 != sentinelACK {
			errCh <- fmt.Errorf("PUT: expected closing ACKNOW, got %q", ack2)
			return
		}
		io.WriteString(conn, sentinelAIGT+"\n")
		errCh <- nil

	case "DEL":
		name, err := readLineOrErr(r)
		if err != nil {
			errCh <- err
			return
		}
		if _, ok := f.files[name]; !ok {
			io.WriteString(conn, "302 No such file or directory\n")
			errCh <- nil
			return
		}
		delete(f.files, name)
		io.WriteString(conn, sentinelACK+"\n")
		errCh <- nil

	case "BYE":
		io.WriteString(conn, "BYE\n")
		select {
		case f.byeCh <- struct{}{}:
		default:
		}
		errCh <- nil

	default:
		errCh <- fmt.Errorf("unrecognized verb %q", verb)
	}
}

func (f *fakeServer) close() { f.ln.Close() }

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func readLineOrErr(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimNL(line), nil
}

// serve runs serveOne in the background and fails the test if it reports a
// protocol error, once the caller waits on the returned channel.
func (f *fakeServer) serve(t *testing.T) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go f.serveOne(errCh)
	go func() {
		if err := <-errCh; err != nil {
			t.Errorf("fake transfer server: %v", err)
		}
		close(done)
	}()
	return done
}

func TestBlockSize(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 1024},
		{1, 1024},
		{4095, 1024},
		{4096, 2048},
		{8191, 2048},
		{8192, 4096},
		{16383, 4096},
		{16384, 8192},
		{100000, 8192},
	}
	for _, c := range cases {
		if got := blockSize(c.size); got != c.want {
			t.Errorf("blockSize(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestDialReadsWelcome(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	done := srv.serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if sess.Welcome.Version != "1.0" || sess.Welcome.User != "root" || sess.Welcome.EUID != 0 {
		t.Errorf("Welcome = %+v, want version 1.0 user root euid 0", sess.Welcome)
	}
	<-done
}

func TestPutThenGetRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	localSrc := filepath.Join(dir, "sample.bin")
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(localSrc, payload, 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	done1 := srv.serve(t) // welcome + PUT
	sess, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := sess.Put(ctx, localSrc, "remote.bin"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sess.Close()
	<-done1

	localDst := filepath.Join(dir, "downloaded.bin")
	done2 := srv.serve(t) // welcome + GET
	sess2, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess2.Close()
	if err := sess2.Get(ctx, "remote.bin", localDst); err != nil {
		t.Fatalf("Get: %v", err)
	}
	<-done2

	got, err := os.ReadFile(localDst)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %x, want %x", i, got[i], payload[i])
		}
	}
}

func TestGetRefusesToOverwrite(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "already-here.txt")
	if err := os.WriteFile(existing, []byte("keep me"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	ctx := context.Background()
	sess := &Session{addr: srv.addr()}
	if err := sess.Get(ctx, "whatever", existing); err == nil {
		t.Fatal("Get: expected error when local file already exists, got nil")
	}

	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "keep me" {
		t.Fatalf("existing file was modified: %q, err %v", data, err)
	}
}

func TestPutRefusesMissingLocalFile(t *testing.T) {
	ctx := context.Background()
	sess := &Session{addr: "127.0.0.1:1"}
	if err := sess.Put(ctx, filepath.Join(t.TempDir(), "nope.bin"), "remote"); err == nil {
		t.Fatal("Put: expected error for missing local file, got nil")
	}
}

func TestDelAndBye(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	srv.files["toDelete"] = []byte("x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done1 := srv.serve(t) // welcome
	sess, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	<-done1

	done2 := srv.serve(t) // DEL
	if err := sess.Del("toDelete"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok := srv.files["toDelete"]; ok {
		t.Error("Del: file still present on fake server")
	}
	<-done2

	done3 := srv.serve(t) // BYE dials a fresh control connection
	if err := sess.Bye(ctx); err != nil {
		t.Fatalf("Bye: %v", err)
	}
	<-done3
	select {
	case <-srv.byeCh:
	case <-time.After(time.Second):
		t.Error("Bye: server never observed the BYE verb")
	}
}

func TestGetAcksServerRejection(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done1 := srv.serve(t) // welcome
	sess, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	<-done1

	dir := t.TempDir()
	done2 := srv.serve(t) // GET, rejected with 302
	err = sess.Get(ctx, "no-such-remote-file", filepath.Join(dir, "out.bin"))
	if err == nil {
		t.Fatal("Get: expected error for a server-side rejection, got nil")
	}
	var serverErr *detonerr.TransferServerError
	if !errors.As(err, &serverErr) || serverErr.Code != detonerr.CodeNoSuchFile {
		t.Errorf("error = %v, want TransferServerError{Code: CodeNoSuchFile}", err)
	}
	// The fake server's GET handler blocks on reading the client's ACKNOW
	// before it reports success on done2; a timeout here means Get never
	// sent it.
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("server never observed an ACKNOW after the 302 rejection")
	}
}

func TestDelNoSuchFile(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done1 := srv.serve(t)
	sess, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	<-done1

	done2 := srv.serve(t)
	if err := sess.Del("missing"); err == nil {
		t.Fatal("Del: expected error for missing remote file, got nil")
	}
	<-done2
}
