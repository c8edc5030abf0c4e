// Package vmctl implements the VM controller: it composes the
// hypervisor child process, the monitor backend, the console channel, and
// (when configured) the remote shell, behind a state machine and
// per-instance mutex.
//
// The state machine and its "one mutex per instance, notify on
// transition" idiom follow the reference aegisvm daemon's
// lifecycle.Manager/Instance (internal/lifecycle/manager.go):
// StateStopped/StateRunning/StateTerminated there become
// Uninit/Running/Stopped here, and the idle/terminate timer machinery is
// replaced with a simpler "awaiting" substate since detonation VMs don't
// pause on idle.
package vmctl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/iotsandbox/detonator/internal/console"
	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/monitor"
	"github.com/iotsandbox/detonator/internal/sandbox"
	"github.com/iotsandbox/detonator/internal/sshshell"
)

// State is the VM controller's top-level lifecycle state.
type State int

const (
	StateUninit State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Awaiting is the controller's substate for in-flight guest commands: at
// most one of a synchronous command token or an asynchronous job handle
// may be outstanding at a time.
type Awaiting int

const (
	AwaitingNone Awaiting = iota
	AwaitingSyncCommandToken
	AwaitingAsyncJobHandle
)

// Controller owns one VM's child process plus its monitor/console/SSH
// channels and serializes every operation behind mu, mirroring the
// reference aegisvm daemon's Instance.mu: the controller is the
// serialization boundary, at most one command is in flight against any
// given VM.
type Controller struct {
	cfg sandbox.VmConfig

	mu       sync.Mutex
	state    State
	awaiting Awaiting
	asyncCmd string

	cmd     *exec.Cmd
	console *console.Channel
	mon     monitor.Backend
	ssh     *sshshell.Shell

	onStateChange func(State)
}

// New constructs a controller in StateUninit. It does not spawn anything.
func New(cfg sandbox.VmConfig) *Controller {
	return &Controller{cfg: cfg, state: StateUninit}
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Controller) OnStateChange(fn func(State)) { c.onStateChange = fn }

// Start spawns the hypervisor process, brings up whichever monitor
// backend VmConfig selects, and logs the guest in over the console. It is
// a QemuError{Reason: ReasonAlreadyRunning} to call Start twice.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return detonerr.NewQemuError(detonerr.ReasonAlreadyRunning, nil)
	}

	args, err := buildArgs(c.cfg)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(context.Background(), "qemu-system-"+archBinarySuffix(c.cfg.Arch), args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return detonerr.NewQemuError(detonerr.ReasonSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return detonerr.NewQemuError(detonerr.ReasonSpawnFailed, err)
	}
	cmd.Stderr = logWriter{prefix: "qemu"}

	if err := cmd.Start(); err != nil {
		return detonerr.NewQemuError(detonerr.ReasonSpawnFailed, err)
	}

	ch := console.New(bufio.NewReader(stdout), stdin)

	loginCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()
	if err := ch.Login(loginCtx, console.LoginConfig{
		LoginPrompt: c.cfg.LoginPrompt,
		Username:    c.cfg.GuestUser,
		Password:    c.cfg.GuestPassword,
		UserPrompt:  c.cfg.UserPrompt(),
		Timeout:     c.cfg.StartupTimeout,
	}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return detonerr.NewQemuError(detonerr.ReasonLoginFailed, err)
	}

	var mon monitor.Backend
	if c.cfg.UseJSONMonitor {
		mon, err = monitor.DialJSON(ctx, fmt.Sprintf("127.0.0.1:%d", c.cfg.MonitorPort))
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
	} else {
		mon = monitor.NewTextBackend(ch, c.cfg.StartupTimeout)
	}

	var shell *sshshell.Shell
	if c.cfg.SSH.Enabled() {
		shell, err = sshshell.Dial(ctx, c.cfg.SSH, c.cfg.GuestUser, c.cfg.GuestPassword)
		if err != nil {
			mon.Close()
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
	}

	c.cmd = cmd
	c.console = ch
	c.mon = mon
	c.ssh = shell
	c.state = StateRunning
	c.notify()
	return nil
}

// Run executes cmd against the guest, preferring the SSH shell when
// configured and falling back to the console otherwise. wait=false
// records AwaitingAsyncJobHandle; a second call while one is outstanding
// fails with ReasonAwaitingAlreadySet.
func (c *Controller) Run(ctx context.Context, cmdLine string, wait bool) (sandbox.CmdResult, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonNotStarted, nil)
	}
	if c.awaiting != AwaitingNone {
		c.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonAwaitingAlreadySet, fmt.Errorf("already awaiting %v", c.awaiting))
	}

	if c.ssh != nil {
		if !wait {
			c.awaiting = AwaitingAsyncJobHandle
			c.asyncCmd = cmdLine
		}
		c.mu.Unlock()
		result, err := c.ssh.Run(ctx, cmdLine, wait)
		if !wait {
			return result, err
		}
		c.mu.Lock()
		c.awaiting = AwaitingNone
		c.mu.Unlock()
		return result, err
	}

	if wait {
		c.awaiting = AwaitingSyncCommandToken
	} else {
		c.awaiting = AwaitingAsyncJobHandle
		c.asyncCmd = cmdLine
	}
	ch := c.console
	userPrompt := c.cfg.UserPrompt()
	c.mu.Unlock()

	if err := ch.StartCommand(cmdLine); err != nil {
		c.mu.Lock()
		c.awaiting = AwaitingNone
		c.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonMonitorError, err)
	}
	if !wait {
		// The console has no background reader for command completion in
		// the async case: a later WaitExisting drives the same
		// FinishCommand call this branch would have made synchronously.
		return sandbox.CmdResult{}, nil
	}

	code, out, err := ch.FinishCommand(ctx, cmdLine, userPrompt, c.cfg.StartupTimeout)
	c.mu.Lock()
	c.awaiting = AwaitingNone
	c.mu.Unlock()
	if err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonPromptTimeout, err)
	}
	return sandbox.CmdResult{ExitStatus: code, Output: out}, nil
}

// WaitExisting joins the asynchronous command started by the most recent
// Run(cmd, wait=false).
func (c *Controller) WaitExisting(ctx context.Context) (sandbox.CmdResult, error) {
	c.mu.Lock()
	if c.awaiting != AwaitingAsyncJobHandle {
		c.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonNotStarted, fmt.Errorf("no async command outstanding"))
	}
	if c.ssh != nil {
		c.mu.Unlock()
		result, err := c.ssh.WaitExisting(ctx)
		c.mu.Lock()
		c.awaiting = AwaitingNone
		c.mu.Unlock()
		return result, err
	}
	cmdLine := c.asyncCmd
	ch := c.console
	userPrompt := c.cfg.UserPrompt()
	c.mu.Unlock()

	code, out, err := ch.FinishCommand(ctx, cmdLine, userPrompt, c.cfg.StartupTimeout)
	c.mu.Lock()
	c.awaiting = AwaitingNone
	c.mu.Unlock()
	if err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonPromptTimeout, err)
	}
	return sandbox.CmdResult{ExitStatus: code, Output: out}, nil
}

// TerminateExisting interrupts the outstanding asynchronous command: a
// Ctrl-C on the console channel, or a guest-side pkill over SSH — the
// latter is the only option there since an exec session has no local
// signal.
func (c *Controller) TerminateExisting(ctx context.Context, prog string) (sandbox.CmdResult, error) {
	c.mu.Lock()
	if c.awaiting != AwaitingAsyncJobHandle {
		c.mu.Unlock()
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonNotStarted, fmt.Errorf("no async command outstanding"))
	}
	if c.ssh != nil {
		if prog == "" {
			c.mu.Unlock()
			return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonRemoteShellPkillRequired, fmt.Errorf("remote-shell cancellation requires a program name"))
		}
		c.mu.Unlock()
		result, err := c.ssh.TerminateExisting(ctx, prog)
		c.mu.Lock()
		c.awaiting = AwaitingNone
		c.mu.Unlock()
		return result, err
	}
	cmdLine := c.asyncCmd
	ch := c.console
	userPrompt := c.cfg.UserPrompt()
	c.mu.Unlock()

	if err := ch.Interrupt(); err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonMonitorError, err)
	}
	// Ctrl-C returns the shell to its prompt without killing the session;
	// the interrupted command's output is still read back the same way a
	// normal completion would be, via echo $? for the exit code.
	code, out, err := ch.FinishCommand(ctx, cmdLine, userPrompt, c.cfg.StartupTimeout)
	c.mu.Lock()
	c.awaiting = AwaitingNone
	c.mu.Unlock()
	if err != nil {
		return sandbox.CmdResult{}, detonerr.NewQemuError(detonerr.ReasonPromptTimeout, err)
	}
	return sandbox.CmdResult{ExitStatus: code, Output: out}, nil
}

// Snapshot issues "savevm" against the monitor. MIPS/MIPSEL guests can
// never snapshot live — NeedsOfflineSnapshot reports this so callers
// (pipeline) sequence OfflineSnapshot before Start instead.
func (c *Controller) Snapshot(ctx context.Context, tag string) error {
	c.mu.Lock()
	if c.cfg.Arch.NeedsOfflineSnapshot() {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonOfflineOnlyArch, fmt.Errorf("arch %s requires offline snapshot", c.cfg.Arch))
	}
	if c.state != StateRunning {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonNotStarted, nil)
	}
	if c.awaiting != AwaitingNone {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonAwaitingBlocksStop, fmt.Errorf("command still in flight"))
	}
	mon := c.mon
	c.mu.Unlock()

	_, err := mon.Send(ctx, "savevm", map[string]any{"name": tag})
	return err
}

// Reset issues "loadvm" against the monitor, restoring tag. Same
// arch/state preconditions as Snapshot.
func (c *Controller) Reset(ctx context.Context, tag string) error {
	c.mu.Lock()
	if c.cfg.Arch.NeedsOfflineSnapshot() {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonOfflineOnlyArch, fmt.Errorf("arch %s requires offline snapshot", c.cfg.Arch))
	}
	if c.state != StateRunning {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonNotStarted, nil)
	}
	if c.awaiting != AwaitingNone {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonAwaitingBlocksStop, fmt.Errorf("command still in flight"))
	}
	mon := c.mon
	c.mu.Unlock()

	_, err := mon.Send(ctx, "loadvm", map[string]any{"name": tag})
	return err
}

// OfflineSnapshot invokes the hypervisor's disk-image snapshot tool
// directly against the on-disk image, for architectures where Snapshot is
// refused (MIPS/MIPSEL). Precondition: the VM is not running.
func (c *Controller) OfflineSnapshot(ctx context.Context, tag string) error {
	return c.offlineSnapshotOp(ctx, "-c", tag)
}

// OfflineReset restores tag against the on-disk image via the same tool.
func (c *Controller) OfflineReset(ctx context.Context, tag string) error {
	return c.offlineSnapshotOp(ctx, "-a", tag)
}

func (c *Controller) offlineSnapshotOp(ctx context.Context, flag, tag string) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return detonerr.NewQemuError(detonerr.ReasonStillRunning, fmt.Errorf("vm must be stopped for an offline snapshot operation"))
	}
	imageDir := c.cfg.ImageDir
	c.mu.Unlock()

	cmd := exec.CommandContext(ctx, "qemu-img", "snapshot", flag, tag, imageDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return detonerr.NewQemuError(detonerr.ReasonImageToolFailed, fmt.Errorf("qemu-img snapshot %s %s %s: %w: %s", flag, tag, imageDir, err, stderr.String()))
	}
	return nil
}

// Stop sends "quit" to the monitor and reaps the child process. With
// force=false, Stop is refused with ReasonAwaitingBlocksStop while a
// command is still outstanding. With force=true, any outstanding awaiting
// state is cleared and the child is killed/reaped regardless — the caller
// is giving up on whatever command never finished.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	if c.awaiting != AwaitingNone {
		if !force {
			c.mu.Unlock()
			return detonerr.NewQemuError(detonerr.ReasonAwaitingBlocksStop, fmt.Errorf("command still in flight"))
		}
		log.Printf("vmctl: forced stop with %v still outstanding", c.awaiting)
		c.awaiting = AwaitingNone
	}
	mon, cmd, ssh := c.mon, c.cmd, c.ssh
	c.mu.Unlock()

	if _, err := mon.Send(ctx, "quit", nil); err != nil {
		log.Printf("vmctl: quit failed, killing process: %v", err)
		cmd.Process.Kill()
	} else if force {
		cmd.Process.Kill()
	}
	mon.Close()
	if ssh != nil {
		ssh.Close()
	}
	if err := cmd.Wait(); err != nil {
		log.Printf("vmctl: process exited: %v", err)
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) notify() {
	if c.onStateChange != nil {
		c.onStateChange(c.state)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// archBinarySuffix maps a guest architecture to its qemu-system-* binary
// suffix.
func archBinarySuffix(a sandbox.Arch) string {
	switch a {
	case sandbox.ArchARM:
		return "arm"
	case sandbox.ArchMIPS:
		return "mips"
	case sandbox.ArchMIPSEL:
		return "mipsel"
	case sandbox.ArchM68K:
		return "m68k"
	case sandbox.ArchPPC:
		return "ppc"
	case sandbox.ArchI386:
		return "i386"
	case sandbox.ArchAMD64, sandbox.ArchCNC:
		return "x86_64"
	default:
		return "x86_64"
	}
}

// buildArgs constructs the hypervisor command line, switching between a
// JSON (QMP) and a text monitor depending on UseJSONMonitor. The flag list
// is the same for every architecture: only the qemu-system-* binary
// (archBinarySuffix) differs, and no machine type or other
// per-architecture flag is passed.
func buildArgs(cfg sandbox.VmConfig) ([]string, error) {
	if cfg.ImageDir == "" {
		return nil, detonerr.NewConfigError("image_dir", fmt.Errorf("must not be empty"))
	}
	args := []string{
		"-drive", fmt.Sprintf("file=%s,format=raw", cfg.ImageDir),
		"-nographic",
	}
	if cfg.NICHelper != "" {
		args = append(args, "-netdev", fmt.Sprintf("tap,id=net0,helper=%s", cfg.NICHelper))
		args = append(args, "-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", cfg.MACAddress))
	}
	if cfg.UseJSONMonitor {
		args = append(args, "-serial", "stdio", "-qmp", fmt.Sprintf("tcp:127.0.0.1:%d,server,nowait", cfg.MonitorPort))
	} else {
		args = append(args, "-serial", "mon:stdio") // the text monitor shares the serial console; Ctrl-A c switches between them
	}
	return args, nil
}

// logWriter adapts an io.Writer to log.Printf with a component prefix,
// in the same log.Printf("instance %s: ...") style used elsewhere in this
// codebase.
type logWriter struct{ prefix string }

func (w logWriter) Write(p []byte) (int, error) {
	log.Printf("%s: %s", w.prefix, p)
	return len(p), nil
}

var _ io.Writer = logWriter{}
