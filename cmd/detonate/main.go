// detonate is a one-shot CLI around the detonation pipeline: it runs
// exactly one detonation against a sample and prints the resulting
// DetonationResult as JSON, exiting with the pipeline's status code. The
// split between this thin CLI and the long-lived detonatord daemon
// mirrors the reference aegisvm daemon's cmd/aegis (thin CLI) / cmd/aegisd
// (daemon) pair.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotsandbox/detonator/internal/config"
	"github.com/iotsandbox/detonator/internal/pipeline"
)

// guestTeardownTimeout bounds Shutdown's best-effort guest interaction;
// shutdown itself never fails the process, but it must not hang forever.
const guestTeardownTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		configPath   = flag.String("config", "/etc/detonator/detonator.toml", "path to the TOML config file")
		samplePath   = flag.String("sample", "", "path to the sample to detonate")
		sampleRemote = flag.String("remote-path", "/tmp/sample", "path the sample is pushed to inside the sandbox")
	)
	flag.Parse()

	if *samplePath == "" {
		fmt.Fprintln(os.Stderr, "detonate: -sample is required")
		os.Exit(2)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("detonate: load config: %v", err)
	}
	guestCmds, err := cfg.GuestCommands()
	if err != nil {
		log.Fatalf("detonate: load guest commands: %v", err)
	}

	cmds := pipeline.Commands{
		C2Pre:          guestCmds.C2Pre,
		C2Post:         guestCmds.C2Post,
		TransferServer: guestCmds.TransferServerCmd,
		FakeDNSStart:   guestCmds.FakeDNSStartCmd,
		MakeExecutable: makeExecutableFunc(guestCmds.MakeExecutableFmt),
		Tracer:         tracerFunc(guestCmds.TracerFmt),
	}

	p := pipeline.New(cfg, cmds, *sampleRemote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Startup(ctx); err != nil {
		log.Printf("detonate: startup failed: %v", err)
		os.Exit(1)
	}

	result, runErr := p.Run(ctx, *samplePath)

	// shutdown is the error-path handler itself: it always runs, and it
	// never returns an error to propagate.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), guestTeardownTimeout)
	defer cancel()
	p.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Printf("detonate: run failed: %v", runErr)
		os.Exit(1)
	}

	if ctx.Err() != nil {
		// A Ctrl-C arrived mid-run; shutdown already ran above. Exit
		// non-zero even though Run returned before noticing the
		// cancellation.
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("detonate: encode result: %v", err)
	}
}

func makeExecutableFunc(format string) func(string) string {
	if format == "" {
		return nil
	}
	return func(remotePath string) string { return fmt.Sprintf(format, remotePath) }
}

func tracerFunc(format string) func(string) string {
	return func(remotePath string) string { return fmt.Sprintf(format, remotePath) }
}
