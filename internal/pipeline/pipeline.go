// Package pipeline implements the detonation pipeline: the top-level
// sequencer that owns the sandbox VmController, the C2 VmController, the
// net Fabric, and the transfer Session, and drives them through the
// ordered startup, run, and shutdown lifecycle of a single detonation.
//
// The scoped-acquisition/guaranteed-release shape follows the reference
// aegisvm daemon's cleanupInstance sweep (internal/lifecycle/manager.go):
// every resource acquired during Startup is tracked so a failure
// mid-sequence can release exactly what was acquired, in reverse order,
// the same way that daemon's instance teardown walks back through
// virtiofsd/vmm/overlay acquisition.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iotsandbox/detonator/internal/config"
	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/netfabric"
	"github.com/iotsandbox/detonator/internal/sandbox"
	"github.com/iotsandbox/detonator/internal/transcript"
	"github.com/iotsandbox/detonator/internal/transfer"
	"github.com/iotsandbox/detonator/internal/vmctl"
)

// fileListStart/fileListEnd fence the tracer driver's machine-readable
// contract: the only lines of its stdout the pipeline depends on.
const (
	fileListStart = "===== LIST OF FILES TO RETRIEVE ====="
	fileListEnd   = "===== END LIST ====="
)

var syscallTraceRe = regexp.MustCompile(`^strace_(.+)\.[0-9]+$`)

// Commands bundles the guest command lines the pipeline issues at
// well-defined points in the lifecycle. These come from outside
// the core — the static analyzer and config provider choose the tracer
// driver's invocation, the honeypot's start command, and so on — but the
// pipeline itself is agnostic to their content.
type Commands struct {
	// C2Pre are run in sequence on c2 during Startup step 7 (e.g. start
	// the SSH honeypot daemon). A non-zero exit aborts Startup.
	C2Pre []string
	// C2Post are run in sequence on c2 during Shutdown, best-effort.
	C2Post []string
	// TransferServer is the command that starts the in-guest
	// file-transfer harness on vm, run non-blocking.
	TransferServer string
	// MakeExecutable formats the command that chmods the pushed sample
	// executable in the guest, given the remote path.
	MakeExecutable func(remotePath string) string
	// FakeDNSStart is run non-blocking on c2 before the tracer runs.
	FakeDNSStart string
	// Tracer formats the blocking tracer-driver invocation given the
	// remote sample path.
	Tracer func(remotePath string) string
}

// Pipeline is the top-level sequencer. It exclusively owns vm
// (sandbox), c2 (command-and-control), net, and transfer for the lifetime
// of one detonation.
type Pipeline struct {
	cfg      config.Provider
	cmds     Commands
	samplePath string
	sampleRemote string

	vm  *vmctl.Controller
	c2  *vmctl.Controller
	net *netfabric.Fabric
	xfer *transfer.Session

	sandboxArch sandbox.Arch

	// Transcripts, when set, receives a system-channel line for each major
	// lifecycle milestone of a run. Nil is fine: callers that don't care to
	// tail or replay a run need not wire a store at all.
	Transcripts *transcript.Store

	// acquired tracks what Startup has brought up, in acquisition order,
	// so a failure partway through releases exactly that and no more.
	acquired []func(context.Context)
}

// New constructs a Pipeline against the given config provider and guest
// command set. sampleRemote is the path the sample is pushed to and run
// from inside the sandbox (e.g. "/tmp/sample").
func New(cfg config.Provider, cmds Commands, sampleRemote string) *Pipeline {
	return &Pipeline{cfg: cfg, cmds: cmds, sampleRemote: sampleRemote}
}

// logSystem appends a system-channel line to runID's transcript, if a
// Transcripts store is wired. A no-op otherwise, so tests and callers that
// don't need a transcript can leave the field nil.
func (p *Pipeline) logSystem(runID, text string) {
	if p.Transcripts == nil {
		return
	}
	p.Transcripts.GetOrCreate(runID).Append(transcript.ChannelSystem, "out", text)
}

func (p *Pipeline) track(release func(context.Context)) {
	p.acquired = append(p.acquired, release)
}

// releaseAcquired runs every tracked release function in reverse
// acquisition order, best-effort: errors are logged, never raised, since
// this is the compensating-teardown half of the pipeline's error
// handling.
func (p *Pipeline) releaseAcquired(ctx context.Context) {
	for i := len(p.acquired) - 1; i >= 0; i-- {
		p.acquired[i](ctx)
	}
	p.acquired = nil
}

// Startup sequences net-up, filter rules, the vm/c2 bring-up with a
// snapshot (offline before the bring-up for offline-only architectures,
// live after it otherwise), and C2 pre-commands. Any failure
// after net.Up triggers compensating teardown of everything acquired so
// far.
func (p *Pipeline) Startup(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.releaseAcquired(ctx)
		}
	}()

	sandboxCfg, err := p.cfg.SandboxVM()
	if err != nil {
		return detonerr.NewPipelineError(detonerr.StageVMStart, err)
	}
	c2Cfg, err := p.cfg.C2VM()
	if err != nil {
		return detonerr.NewPipelineError(detonerr.StageVMStart, err)
	}
	netCfg, err := p.cfg.Net()
	if err != nil {
		return detonerr.NewPipelineError(detonerr.StageNetSetup, err)
	}
	rules, err := p.cfg.FilterRules()
	if err != nil {
		return detonerr.NewPipelineError(detonerr.StageNetSetup, err)
	}
	// Fail fast on a missing transfer-server config before anything is
	// acquired, even though Run is what actually dials it.
	if _, err := p.cfg.TransferServer(); err != nil {
		return detonerr.NewPipelineError(detonerr.StageTransferInit, err)
	}

	p.sandboxArch = sandboxCfg.Arch

	// Step 1: net setup. On failure, abort — nothing else has been
	// acquired yet, so there is nothing to tear down.
	p.net = netfabric.New(netCfg)
	if err := p.net.Up(ctx); err != nil {
		return detonerr.NewPipelineError(detonerr.StageNetSetup, err)
	}
	p.track(func(ctx context.Context) {
		if err := p.net.Down(ctx); err != nil {
			log.Printf("pipeline: net teardown: %v", err)
		}
	})

	// Step 2: append configured filter rules.
	for _, r := range rules {
		if err := p.net.AddFilterRule(ctx, r); err != nil {
			return detonerr.NewPipelineError(detonerr.StageNetSetup, err)
		}
	}

	// Step 3: offline snapshot before starting, if this arch needs it.
	p.vm = vmctl.New(sandboxCfg)
	if sandboxCfg.Arch.NeedsOfflineSnapshot() {
		if err := p.vm.OfflineSnapshot(ctx, "clean"); err != nil {
			return detonerr.NewPipelineError(detonerr.StageVMStart, err)
		}
	}

	// Step 4: start vm.
	if err := p.vm.Start(ctx); err != nil {
		return detonerr.NewPipelineError(detonerr.StageVMStart, err)
	}
	p.track(func(ctx context.Context) {
		if err := p.vm.Stop(ctx, true); err != nil {
			log.Printf("pipeline: sandbox vm stop: %v", err)
		}
	})

	// Step 5: start c2.
	p.c2 = vmctl.New(c2Cfg)
	if err := p.c2.Start(ctx); err != nil {
		return detonerr.NewPipelineError(detonerr.StageVMStart, err)
	}
	p.track(func(ctx context.Context) {
		if err := p.c2.Stop(ctx, true); err != nil {
			log.Printf("pipeline: c2 vm stop: %v", err)
		}
	})

	// Step 6: live snapshot, if this arch doesn't need offline.
	if !sandboxCfg.Arch.NeedsOfflineSnapshot() {
		if err := p.vm.Snapshot(ctx, "clean"); err != nil {
			return detonerr.NewPipelineError(detonerr.StageVMStart, err)
		}
	}

	// Step 7: C2 pre-commands. A non-zero exit aborts with UnexpectedExit.
	for _, cmd := range p.cmds.C2Pre {
		res, err := p.c2.Run(ctx, cmd, true)
		if err != nil {
			return detonerr.NewPipelineError(detonerr.StageVMStart, err)
		}
		if !res.Success() {
			return detonerr.NewPipelineError(detonerr.StageVMStart, detonerr.NewUnexpectedExit(cmd, res))
		}
	}

	return nil
}

// Run pushes the sample into the sandbox, detonates it under the tracer,
// and pulls back the resulting artifacts.
func (p *Pipeline) Run(ctx context.Context, samplePath string) (sandbox.DetonationResult, error) {
	p.samplePath = samplePath
	result := sandbox.DetonationResult{
		RunID: uuid.NewString(),
		Start: time.Now(),
	}
	p.logSystem(result.RunID, fmt.Sprintf("run started: sample=%s", samplePath))

	xferCfg, err := p.cfg.TransferServer()
	if err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageTransferInit, err)
	}

	// Step 2: start the in-guest transfer server, non-blocking.
	if _, err := p.vm.Run(ctx, p.cmds.TransferServer, false); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	// Step 3: PUT the sample.
	sess, err := transfer.Dial(ctx, xferCfg.Addr())
	if err != nil {
		p.vm.TerminateExisting(ctx, "transferd")
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}
	p.xfer = sess

	remoteName := p.sampleRemote
	if err := sess.Put(ctx, samplePath, remoteName); err != nil {
		p.vm.TerminateExisting(ctx, "transferd")
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	// The transfer server from step 2 is still the sandbox's outstanding
	// async job (its PUT ran over a separate TCP connection, not the
	// console) — stop it now to free the console for step 4, matching
	// step 9's "start the transfer server again."
	if _, err := p.vm.TerminateExisting(ctx, "transferd"); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	// Step 4: make the sample executable.
	if p.cmds.MakeExecutable != nil {
		res, err := p.vm.Run(ctx, p.cmds.MakeExecutable(remoteName), true)
		if err != nil {
			return result, detonerr.NewPipelineError(detonerr.StageRun, err)
		}
		if !res.Success() {
			return result, detonerr.NewPipelineError(detonerr.StageRun, detonerr.NewUnexpectedExit("chmod", res))
		}
	}

	// Step 5: start the fake DNS resolver on c2, non-blocking.
	if _, err := p.c2.Run(ctx, p.cmds.FakeDNSStart, false); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	// Step 6: run the tracer driver, blocking.
	tracerCmd := p.cmds.Tracer(remoteName)
	tracerRes, err := p.vm.Run(ctx, tracerCmd, true)
	if err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	// Step 7: terminate fake DNS, capture its stdout as the log.
	dnsRes, err := p.c2.TerminateExisting(ctx, "python3")
	if err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}
	result.FakeDNSLog = dnsRes.Output

	// Step 8: parse the fenced file list and classify artifact names.
	files, err := parseFileList(tracerRes.Output)
	if err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}
	prefix := artifactPrefix(samplePath)
	classified := classifyArtifacts(files, prefix)
	result.PcapFile = classified.pcap
	result.SyscallFiles = classified.syscalls
	result.CreatedFiles = classified.created

	// Step 9: start the transfer server again, GET every artifact, BYE once.
	// The server is a long-lived process started non-blocking (it is the
	// console's outstanding async job again); it is the remote BYE below
	// that ends it, so the console job is joined with WaitExisting only
	// after BYE succeeds, not right after starting it.
	if _, err := p.vm.Run(ctx, p.cmds.TransferServer, false); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	sess2, err := transfer.Dial(ctx, xferCfg.Addr())
	if err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}
	p.xfer = sess2

	var all []string
	all = append(all, classified.syscalls...)
	all = append(all, classified.created...)
	if classified.pcap != "" {
		all = append(all, classified.pcap)
	}
	for _, name := range all {
		if err := sess2.Get(ctx, name, name); err != nil {
			sess2.Bye(ctx)
			return result, detonerr.NewPipelineError(detonerr.StageRun, err)
		}
	}
	if err := sess2.Bye(ctx); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}
	// BYE told the in-guest server to exit; reap the console's async job
	// it ended naturally rather than via a local interrupt.
	if _, err := p.vm.WaitExisting(ctx); err != nil {
		return result, detonerr.NewPipelineError(detonerr.StageRun, err)
	}

	result.End = time.Now()
	p.logSystem(result.RunID, fmt.Sprintf("run finished: %d syscall traces, pcap=%q", len(result.SyscallFiles), result.PcapFile))
	return result, nil
}

// Shutdown runs C2 post-commands, resets/stops both VMs, and tears down
// the net fabric. Every step is best-effort: Shutdown is itself the
// error-path handler and never propagates a failure.
func (p *Pipeline) Shutdown(ctx context.Context) {
	if p.c2 != nil {
		for _, cmd := range p.cmds.C2Post {
			if _, err := p.c2.Run(ctx, cmd, true); err != nil {
				log.Printf("pipeline: c2 post-command %q: %v", cmd, err)
			}
		}
	}

	if p.vm != nil {
		if !p.sandboxArch.NeedsOfflineSnapshot() {
			if err := p.vm.Reset(ctx, "clean"); err != nil {
				log.Printf("pipeline: sandbox live reset: %v", err)
			}
		}
		if err := p.vm.Stop(ctx, true); err != nil {
			log.Printf("pipeline: sandbox stop: %v", err)
		}
		if p.sandboxArch.NeedsOfflineSnapshot() {
			if err := p.vm.OfflineReset(ctx, "clean"); err != nil {
				log.Printf("pipeline: sandbox offline reset: %v", err)
			}
		}
	}

	if p.c2 != nil {
		if err := p.c2.Stop(ctx, true); err != nil {
			log.Printf("pipeline: c2 stop: %v", err)
		}
	}

	if p.net != nil {
		if err := p.net.Down(ctx); err != nil {
			log.Printf("pipeline: net teardown: %v", err)
		}
	}

	p.acquired = nil
}

// parseFileList extracts the substring between the fenced markers and
// splits it into file names, trimming blank lines.
func parseFileList(stdout string) ([]string, error) {
	start := strings.Index(stdout, fileListStart)
	end := strings.Index(stdout, fileListEnd)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("pipeline: tracer stdout missing fenced file list")
	}
	body := stdout[start+len(fileListStart) : end]
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

type classifiedArtifacts struct {
	pcap     string
	syscalls []string
	created  []string
}

// classifyArtifacts sorts the fenced file names by regex:
// ^strace_<prefix>\.[0-9]+$ is a syscall trace, <prefix>.pcap[ng] is the
// packet capture, everything else is a created file.
func classifyArtifacts(files []string, prefix string) classifiedArtifacts {
	var out classifiedArtifacts
	pcapNames := map[string]bool{prefix + ".pcap": true, prefix + ".pcapng": true}
	for _, f := range files {
		switch {
		case pcapNames[f]:
			out.pcap = f
		case syscallTraceRe.MatchString(f) && strings.HasPrefix(f, "strace_"+prefix+"."):
			out.syscalls = append(out.syscalls, f)
		default:
			out.created = append(out.created, f)
		}
	}
	return out
}

// artifactPrefix returns the first eight characters of the sample's file
// name, or the full name if shorter.
func artifactPrefix(samplePath string) string {
	base := samplePath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if len(base) <= 8 {
		return base
	}
	return base[:8]
}

