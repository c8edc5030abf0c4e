// Package sandbox holds the immutable data model shared by every core
// component: VM configuration, network configuration, filter rules, and the
// value types returned from a detonation.
package sandbox

import (
	"errors"
	"time"
)

// ErrFilterRuleNeedsIP is returned by NewFilterRule when neither SrcIP nor
// DstIP is set — the one construction-time invariant a FilterRule enforces.
var ErrFilterRuleNeedsIP = errors.New("filter rule requires at least one of src_ip or dst_ip")

// Arch is a guest instruction-set architecture tag.
type Arch string

const (
	ArchARM    Arch = "ARM"
	ArchMIPS   Arch = "MIPS"
	ArchMIPSEL Arch = "MIPSEL"
	ArchM68K   Arch = "M68K"
	ArchPPC    Arch = "PPC"
	ArchI386   Arch = "I386"
	ArchAMD64  Arch = "AMD64"
	ArchCNC    Arch = "CNC"
)

// NeedsOfflineSnapshot reports whether snapshot/reset for this architecture
// must be done against the stopped disk image rather than the live VM.
func (a Arch) NeedsOfflineSnapshot() bool {
	return a == ArchMIPS || a == ArchMIPSEL
}

// SSHTarget describes an authenticated remote-shell endpoint on the guest.
// A zero value means "use the console channel instead".
type SSHTarget struct {
	Host string
	Port int
}

// Enabled reports whether this VmConfig should use the remote-shell channel.
func (t SSHTarget) Enabled() bool {
	return t.Host != ""
}

// VmConfig is immutable per-VM configuration resolved by the config
// provider (external collaborator, see the Provider interface in config).
type VmConfig struct {
	Arch Arch

	GuestUser     string
	GuestPassword string

	ImageDir    string
	NICHelper   string
	MACAddress  string
	LoginPrompt string

	MonitorPort    int // QMP port on 127.0.0.1 (JSON monitor only); used as given, 0 is not special-cased
	UseJSONMonitor bool

	SSH SSHTarget

	StartupTimeout time.Duration
}

// UserPrompt returns the shell prompt the console channel expects after a
// successful login: "# " for root, "$ " otherwise.
func (c VmConfig) UserPrompt() string {
	if c.GuestUser == "root" {
		return "# "
	}
	return "$ "
}

// NetConfig is immutable configuration for the network fabric.
type NetConfig struct {
	BridgeName    string
	DHCPConfig    string // path to the DHCP config/hosts file
	BridgeAddr    string // e.g. "10.13.37.1" — the /24 address assigned to the bridge
	DHCPBackend   string // "embedded" (default) or "dnsmasq"
	DHCPRangeLow  string
	DHCPRangeHigh string
}

// Table is an iptables table name.
type Table string

const (
	TableFilter Table = "filter"
	TableNAT    Table = "nat"
	TableMangle Table = "mangle"
	TableRaw    Table = "raw"
)

// Chain is an iptables chain name.
type Chain string

const (
	ChainPrerouting  Chain = "PREROUTING"
	ChainPostrouting Chain = "POSTROUTING"
	ChainForward     Chain = "FORWARD"
	ChainInput       Chain = "INPUT"
	ChainOutput      Chain = "OUTPUT"
)

// FilterRule is an immutable iptables rule description. At least one of
// SrcIP/DstIP must be set — enforced by NewFilterRule.
type FilterRule struct {
	Table  Table
	Chain  Chain
	Target string
	Args   []string

	SrcIP    string
	DstIP    string
	Iface    string
	Protocol string
	SPort    int
	DPort    int
}

// NewFilterRule validates and constructs a FilterRule. It is an
// invariant violation for both SrcIP and DstIP to be empty.
func NewFilterRule(table Table, chain Chain, target string, args []string, opts ...FilterRuleOption) (FilterRule, error) {
	r := FilterRule{Table: table, Chain: chain, Target: target, Args: args}
	for _, opt := range opts {
		opt(&r)
	}
	if r.SrcIP == "" && r.DstIP == "" {
		return FilterRule{}, ErrFilterRuleNeedsIP
	}
	return r, nil
}

// FilterRuleOption sets an optional FilterRule field.
type FilterRuleOption func(*FilterRule)

func WithSrcIP(ip string) FilterRuleOption    { return func(r *FilterRule) { r.SrcIP = ip } }
func WithDstIP(ip string) FilterRuleOption    { return func(r *FilterRule) { r.DstIP = ip } }
func WithIface(name string) FilterRuleOption  { return func(r *FilterRule) { r.Iface = name } }
func WithProtocol(p string) FilterRuleOption  { return func(r *FilterRule) { r.Protocol = p } }
func WithSPort(port int) FilterRuleOption     { return func(r *FilterRule) { r.SPort = port } }
func WithDPort(port int) FilterRuleOption     { return func(r *FilterRule) { r.DPort = port } }

// CmdResult is the outcome of a guest command: exit status plus the
// relevant textual output (stdout on success, stderr on failure, by
// convention of the caller).
type CmdResult struct {
	ExitStatus int
	Output     string
}

func (r CmdResult) Success() bool { return r.ExitStatus == 0 }

// DetonationResult is the value returned by a completed pipeline run.
type DetonationResult struct {
	RunID        string
	Start        time.Time
	End          time.Time
	PcapFile     string
	SyscallFiles []string
	CreatedFiles []string
	FakeDNSLog   string
}
