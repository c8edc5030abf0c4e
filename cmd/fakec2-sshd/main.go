// fakec2-sshd is the low-interaction SSH honeypot binary meant to run
// inside the C2 guest image: the detonation pipeline's C2 pre-commands
// start it so a sample's outbound SSH probes land on a server that logs
// every command line instead of running it. It lives in this repository
// as the honeypot's source counterpart; this repo's own runtime never
// dials it directly (the remote-shell channel dials the sandbox's real
// shell, not this process).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotsandbox/detonator/internal/honeypot"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		addr     = flag.String("addr", ":22", "address to listen for SSH connections on")
		username = flag.String("user", "", "if set, only this username is accepted")
		password = flag.String("password", "", "if set, only this password is accepted")
	)
	flag.Parse()

	srv := honeypot.New(honeypot.Config{
		ListenAddr: *addr,
		Username:   *username,
		Password:   *password,
		OnCommand: func(remoteAddr, user, line string) {
			log.Printf("fakec2-sshd: %s (user=%s): %q", remoteAddr, user, line)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("fakec2-sshd: %v", err)
	}

	<-ctx.Done()
	log.Println("fakec2-sshd: shutting down")
	if err := srv.Stop(); err != nil {
		log.Printf("fakec2-sshd: stop: %v", err)
	}
}
