// Package netfabric implements the per-run network fabric: bridge
// creation, a DHCP server (embedded or dnsmasq subprocess), and iptables
// filter rules, all torn down idempotently.
//
// Bridge/tap lifecycle follows the reference minimega daemon's own bridge
// management (sandia-minimega-minimega/src/minimega/bridge.go: a
// package-level bridge set, a periodic reaper, createTap/destroy wrappers
// around external commands) — reworked here from minimega's OVS-backed
// bridge.Bridges type to direct `ip` invocations, since this fabric
// manages exactly one bridge per detonation run rolled up by the
// pipeline, not a shared daemon-wide set. The dnsmasq fallback backend
// follows minirouter's dnsmasqConfig/dnsmasqRestart
// (src/minirouter/dnsmasq.go): template a config file, then
// spawn/restart the subprocess.
package netfabric

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"text/template"
	"time"

	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/sandbox"
)

// reapInterval mirrors the reference minimega daemon's TapReapRate: how
// often Down retries a still-busy teardown step before giving up.
const reapInterval = 200 * time.Millisecond

// Fabric owns one bridge, its DHCP backend, and its filter rules for the
// lifetime of a single detonation run.
type Fabric struct {
	cfg sandbox.NetConfig

	mu    sync.Mutex
	up    bool
	rules []sandbox.FilterRule

	dhcp dhcpBackend
}

// dhcpBackend is satisfied by both the embedded and dnsmasq-subprocess
// implementations.
type dhcpBackend interface {
	Start(ctx context.Context, cfg sandbox.NetConfig) error
	Stop() error
}

// New constructs a Fabric for cfg. The DHCP backend is chosen lazily in Up
// from cfg.DHCPBackend ("embedded", the default, or "dnsmasq").
func New(cfg sandbox.NetConfig) *Fabric {
	return &Fabric{cfg: cfg}
}

// Up creates the bridge, brings it up, assigns its address, brings up the
// selected DHCP backend, and applies any already-registered filter rules.
// A failing step stops the DHCP backend (if started) and deletes the
// bridge before the error is returned; filter rules applied before the
// failing one are left in place. Calling Up twice is a no-op.
func (f *Fabric) Up(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up {
		return nil
	}

	if err := run(ctx, "ip", "link", "add", f.cfg.BridgeName, "type", "bridge"); err != nil {
		return detonerr.NewNetError("bridge create", err)
	}
	if err := run(ctx, "ip", "link", "set", f.cfg.BridgeName, "up"); err != nil {
		run(context.Background(), "ip", "link", "del", f.cfg.BridgeName)
		return detonerr.NewNetError("bridge up", err)
	}
	if err := run(ctx, "ip", "addr", "add", f.cfg.BridgeAddr+"/24", "brd", "+", "dev", f.cfg.BridgeName); err != nil {
		run(context.Background(), "ip", "link", "del", f.cfg.BridgeName)
		return detonerr.NewNetError("bridge addr", err)
	}

	switch f.cfg.DHCPBackend {
	case "dnsmasq":
		f.dhcp = &dnsmasqBackend{}
	default:
		f.dhcp = &embeddedDHCP{}
	}
	if err := f.dhcp.Start(ctx, f.cfg); err != nil {
		run(context.Background(), "ip", "link", "del", f.cfg.BridgeName)
		return detonerr.NewNetError("dhcp start", err)
	}

	for _, r := range f.rules {
		if err := applyRule(ctx, r); err != nil {
			f.dhcp.Stop()
			run(context.Background(), "ip", "link", "del", f.cfg.BridgeName)
			return detonerr.NewNetError("filter rule", err)
		}
	}

	f.up = true
	return nil
}

// AddFilterRule applies rule immediately if the fabric is up, and always
// tracks it so Down can flush it.
func (f *Fabric) AddFilterRule(ctx context.Context, rule sandbox.FilterRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
	if !f.up {
		return nil
	}
	if err := applyRule(ctx, rule); err != nil {
		return detonerr.NewNetError("filter rule", err)
	}
	return nil
}

func applyRule(ctx context.Context, r sandbox.FilterRule) error {
	args := []string{"-t", string(r.Table), "-A", string(r.Chain)}
	if r.Iface != "" {
		args = append(args, "-i", r.Iface)
	}
	if r.Protocol != "" {
		args = append(args, "-p", r.Protocol)
	}
	if r.DPort != 0 {
		args = append(args, "--dport", fmt.Sprintf("%d", r.DPort))
	}
	if r.SPort != 0 {
		args = append(args, "--sport", fmt.Sprintf("%d", r.SPort))
	}
	if r.DstIP != "" {
		args = append(args, "-d", r.DstIP)
	}
	if r.SrcIP != "" {
		args = append(args, "-s", r.SrcIP)
	}
	args = append(args, append([]string{"-j", r.Target}, r.Args...)...)
	return run(ctx, "iptables", args...)
}

func deleteRule(ctx context.Context, r sandbox.FilterRule) error {
	args := []string{"-t", string(r.Table), "-D", string(r.Chain)}
	if r.Iface != "" {
		args = append(args, "-i", r.Iface)
	}
	if r.Protocol != "" {
		args = append(args, "-p", r.Protocol)
	}
	if r.DPort != 0 {
		args = append(args, "--dport", fmt.Sprintf("%d", r.DPort))
	}
	if r.SPort != 0 {
		args = append(args, "--sport", fmt.Sprintf("%d", r.SPort))
	}
	if r.DstIP != "" {
		args = append(args, "-d", r.DstIP)
	}
	if r.SrcIP != "" {
		args = append(args, "-s", r.SrcIP)
	}
	args = append(args, append([]string{"-j", r.Target}, r.Args...)...)
	return run(ctx, "iptables", args...)
}

// Down tears down the fabric idempotently: flushing filter rules, stopping
// the DHCP backend, and deleting the bridge. Rule and DHCP failures are
// logged and skipped; the bridge delete is retried up to 5 times,
// reapInterval apart, mirroring the reference minimega daemon's periodic
// tap reaper, since a bridge can be transiently busy right after the VM
// that used it exits. A fabric that is not up is left untouched.
func (f *Fabric) Down(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return nil
	}

	for _, r := range f.rules {
		if err := deleteRule(ctx, r); err != nil {
			log.Printf("netfabric: flushing rule failed (ignored): %v", err)
		}
	}
	f.rules = nil

	if f.dhcp != nil {
		if err := f.dhcp.Stop(); err != nil {
			log.Printf("netfabric: dhcp backend stop failed (ignored): %v", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := run(ctx, "ip", "link", "del", f.cfg.BridgeName); err != nil {
			lastErr = err
			time.Sleep(reapInterval)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		log.Printf("netfabric: bridge delete failed after retries (ignored): %v", lastErr)
	}

	f.up = false
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return nil
}

// dnsmasqBackend spawns the dnsmasq subprocess against cfg.DHCPConfig when
// that is set, or otherwise against a config rendered from the bridge name
// and DHCP range (removed again on Stop), grounded on minirouter's
// dnsmasqConfig/dnsmasqRestart.
type dnsmasqBackend struct {
	cmd        *exec.Cmd
	configPath string
}

var dnsmasqTmpl = template.Must(template.New("dnsmasq").Parse(`
no-resolv
interface={{ .BridgeName }}
dhcp-range={{ .DHCPRangeLow }},{{ .DHCPRangeHigh }},12h
`))

func (b *dnsmasqBackend) Start(ctx context.Context, cfg sandbox.NetConfig) error {
	path := cfg.DHCPConfig
	if path == "" {
		path = "/tmp/detonator-dnsmasq.conf"
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("writing dnsmasq config: %w", err)
		}
		if err := dnsmasqTmpl.Execute(f, cfg); err != nil {
			f.Close()
			return fmt.Errorf("rendering dnsmasq config: %w", err)
		}
		f.Close()
		b.configPath = path
	}

	b.cmd = exec.CommandContext(context.Background(), "dnsmasq", "-k", "-C", path)
	if err := b.cmd.Start(); err != nil {
		return fmt.Errorf("starting dnsmasq: %w", err)
	}
	return nil
}

func (b *dnsmasqBackend) Stop() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	if err := b.cmd.Process.Kill(); err != nil {
		return err
	}
	b.cmd.Wait()
	if b.configPath != "" {
		os.Remove(b.configPath)
	}
	return nil
}
