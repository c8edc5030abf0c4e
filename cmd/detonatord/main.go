// detonatord is the long-lived detonation daemon: it exposes /healthz
// and a Prometheus /metrics endpoint, and queues detonation requests one
// at a time behind a single in-flight slot, since concurrent detonations
// are forbidden. Structured the way the reference aegisvm daemon splits
// cmd/aegisd (daemon) from cmd/aegis (thin CLI): this binary owns the
// long-lived HTTP surface, cmd/detonate is the one-shot alternative.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotsandbox/detonator/internal/config"
	"github.com/iotsandbox/detonator/internal/daemon"
	"github.com/iotsandbox/detonator/internal/pipeline"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		configPath    = flag.String("config", "/etc/detonator/detonator.toml", "path to the TOML config file")
		addr          = flag.String("addr", ":8090", "address the HTTP API listens on")
		remote        = flag.String("remote-path", "/tmp/sample", "path the sample is pushed to inside the sandbox")
		namespace     = flag.String("metrics-namespace", "detonator", "Prometheus metric namespace")
		transcriptDir = flag.String("transcript-dir", "", "directory to persist per-run transcripts under (disabled if empty)")
	)
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("detonatord: load config: %v", err)
	}
	guestCmds, err := cfg.GuestCommands()
	if err != nil {
		log.Fatalf("detonatord: load guest commands: %v", err)
	}

	cmds := pipeline.Commands{
		C2Pre:          guestCmds.C2Pre,
		C2Post:         guestCmds.C2Post,
		TransferServer: guestCmds.TransferServerCmd,
		FakeDNSStart:   guestCmds.FakeDNSStartCmd,
		Tracer:         func(remotePath string) string { return fmt.Sprintf(guestCmds.TracerFmt, remotePath) },
	}
	if guestCmds.MakeExecutableFmt != "" {
		format := guestCmds.MakeExecutableFmt
		cmds.MakeExecutable = func(remotePath string) string { return fmt.Sprintf(format, remotePath) }
	}

	metrics := daemon.NewMetrics(*namespace)
	srv := daemon.New(daemon.Options{
		Addr:           *addr,
		ConfigProvider: cfg,
		Commands:       cmds,
		RemotePath:     *remote,
		Metrics:        metrics,
		TranscriptDir:  *transcriptDir,
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("detonatord: start: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Println("detonatord: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("detonatord: server shutdown: %v", err)
	}
	log.Println("detonatord: stopped")
}
