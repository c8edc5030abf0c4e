package honeypot

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func startTestServer(t *testing.T) (addr string, commands func() []string) {
	t.Helper()

	var mu sync.Mutex
	var got []string

	s := New(Config{
		ListenAddr: "127.0.0.1:0",
		OnCommand: func(remoteAddr, user, line string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, line)
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	return s.ln.Addr().String(), func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(got))
		copy(out, got)
		return out
	}
}

func dialClient(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "anyone",
		Auth:            []ssh.AuthMethod{ssh.Password("anything")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func TestHoneypotAcceptsAnyCredentials(t *testing.T) {
	addr, _ := startTestServer(t)
	client := dialClient(t, addr)
	defer client.Close()
}

func TestHoneypotLogsExecCommand(t *testing.T) {
	addr, commands := startTestServer(t)
	client := dialClient(t, addr)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	// The honeypot never really runs anything; Run() will return an error
	// once the channel closes after the canned reply, which is expected.
	session.Run("cat /etc/passwd")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(commands()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := commands()
	if len(got) != 1 || got[0] != "cat /etc/passwd" {
		t.Fatalf("logged commands = %v, want [\"cat /etc/passwd\"]", got)
	}
}

func TestHoneypotRejectsNonSessionChannel(t *testing.T) {
	addr, _ := startTestServer(t)
	client := dialClient(t, addr)
	defer client.Close()

	_, _, err := client.OpenChannel("direct-tcpip", nil)
	if err == nil {
		t.Fatal("OpenChannel(direct-tcpip): expected rejection, got nil error")
	}
}
