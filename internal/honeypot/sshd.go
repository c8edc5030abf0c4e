// Package honeypot implements a low-interaction SSH honeypot: it accepts
// any connecting client, logs every line it tries to run, and never
// executes anything. A C2 VM runs one alongside its real services so a
// sample's outbound SSH probes land on something that looks alive.
//
// The accept-loop/channel-handling shape follows protonuke's
// sshServer/sshHandleConn (sandia-minimega-minimega/src/protonuke/ssh.go:
// ssh.ServerConfig with a PasswordCallback, an Accept loop, one goroutine
// per connection dispatching "session" channels), ported from protonuke's
// pre-x/crypto ssh/ssh.ServerTerminal onto golang.org/x/crypto/ssh's
// Channel/Request API and a bufio.Scanner in place of the vendored
// terminal package, since this honeypot never needs line editing — only
// to capture what an attacker typed.
package honeypot

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// CommandLogger receives one record per line an attacker sends to an
// interactive shell, or per non-interactive exec request. Nil is fine —
// a Server without one still accepts and rejects-by-doing-nothing, it
// simply doesn't keep a record.
type CommandLogger func(remoteAddr, user, line string)

// Config configures a Server.
type Config struct {
	ListenAddr string

	// Username and Password each restrict the PasswordCallback on their
	// own: a non-empty Username must match the login name and a non-empty
	// Password must match the password. With both empty every
	// username/password combination is accepted, the common
	// low-interaction-honeypot posture of looking like a weakly
	// configured device.
	Username string
	Password string

	OnCommand CommandLogger
}

// Server is one running honeypot listener.
type Server struct {
	cfg Config

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server. It does not listen until Start.
func New(cfg Config) *Server { return &Server{cfg: cfg} }

// Start generates an ephemeral host key, binds the listener, and begins
// accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	serverCfg, err := s.sshServerConfig()
	if err != nil {
		return fmt.Errorf("honeypot: build server config: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("honeypot: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln, serverCfg)
	log.Printf("honeypot: listening on %s", ln.Addr())
	return nil
}

// Stop closes the listener and waits until the accept loop and every open
// connection have finished.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.cfg.Username != "" && conn.User() != s.cfg.Username {
				return nil, fmt.Errorf("unknown user")
			}
			if s.cfg.Password != "" && string(pass) != s.cfg.Password {
				return nil, fmt.Errorf("invalid password")
			}
			return nil, nil
		},
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, err
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

func (s *Server) acceptLoop(ln net.Listener, cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		s.wg.Add(1)
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		log.Printf("honeypot: handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("honeypot: accept channel from %s: %v", sshConn.RemoteAddr(), err)
			continue
		}
		go s.handleSession(sshConn, channel, requests)
	}
}

// handleSession services one "session" channel: it answers pty-req,
// shell, and exec requests just enough to keep a client talking, then
// logs every line it receives and never runs anything.
func (s *Server) handleSession(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	var shellStarted bool
	for req := range requests {
		switch req.Type {
		case "shell":
			req.Reply(true, nil)
			if !shellStarted {
				shellStarted = true
				go s.runInteractiveShell(conn, channel)
			}
		case "pty-req", "env", "window-change":
			req.Reply(req.Type == "pty-req", nil)
		case "exec":
			// payload is a uint32 length-prefixed command string.
			line := parseExecPayload(req.Payload)
			s.logLine(conn, line)
			req.Reply(true, nil)
			fmt.Fprintf(channel, "-bash: %s: command not found\r\n", line)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// logLine is handleSession's and the interactive scanner's single funnel
// into the configured CommandLogger.
func (s *Server) logLine(conn *ssh.ServerConn, line string) {
	if s.cfg.OnCommand == nil || line == "" {
		return
	}
	s.cfg.OnCommand(conn.RemoteAddr().String(), conn.User(), line)
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if n < 0 || 4+n > len(payload) {
		return ""
	}
	return string(payload[4 : 4+n])
}

// runInteractiveShell is invoked once a "shell" request has been accepted:
// it writes a fake prompt, reads attacker input line by line, logs each
// line, and echoes a canned "not found" response — the same
// never-execute posture as the exec path above.
func (s *Server) runInteractiveShell(conn *ssh.ServerConn, channel ssh.Channel) {
	fmt.Fprint(channel, "# ")
	scanner := bufio.NewScanner(channel)
	for scanner.Scan() {
		line := scanner.Text()
		s.logLine(conn, line)
		if line != "" {
			fmt.Fprintf(channel, "-bash: %s: command not found\r\n", line)
		}
		fmt.Fprint(channel, "# ")
	}
}
