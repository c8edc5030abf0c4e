// Package config provides the external Config provider collaborator: the
// interface the core depends on for VmConfig, NetConfig, filter rules,
// the sudo password, and transfer-server coordinates, plus one concrete
// implementation that parses a TOML file the way deevus-pixels does
// (github.com/BurntSushi/toml), with environment overrides layered on top
// via github.com/caarlos0/env (also lifted from deevus-pixels's
// dependency list) — the reference aegisvm daemon's own config.go
// hardcodes a DefaultConfig() struct literal with no file format at all,
// so for this one ambient concern detonator reaches past that daemon into
// the rest of the retrieved corpus rather than inventing a hand-rolled
// parser (see DESIGN.md).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/iotsandbox/detonator/internal/detonerr"
	"github.com/iotsandbox/detonator/internal/sandbox"
)

// TransferServerConfig describes where the in-guest file-transfer harness
// listens once the sandbox boots, and how file names are encoded on the
// wire.
type TransferServerConfig struct {
	Host     string `toml:"host" env:"DETONATOR_TRANSFER_HOST"`
	Port     int    `toml:"port" env:"DETONATOR_TRANSFER_PORT"`
	Encoding string `toml:"encoding" env:"DETONATOR_TRANSFER_ENCODING"`
}

// Addr returns the host:port the transfer client dials.
func (t TransferServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Provider is the external Config collaborator the core consumes. All
// lookups are by logical key; a missing required key raises InvalidConfig
// (detonerr.ConfigError).
type Provider interface {
	SandboxVM() (sandbox.VmConfig, error)
	C2VM() (sandbox.VmConfig, error)
	Net() (sandbox.NetConfig, error)
	FilterRules() ([]sandbox.FilterRule, error)
	SudoPassword() (string, error)
	TransferServer() (TransferServerConfig, error)
	DisallowedArchitectures() ([]sandbox.Arch, error)
	GuestCommands() (GuestCommands, error)
}

// GuestCommands holds the guest command-line templates the detonation
// pipeline issues at well-defined points but that the core itself treats
// as opaque strings supplied by configuration. MakeExecutableFmt and
// TracerFmt are fmt.Sprintf templates taking the remote sample path as
// their single %s argument.
type GuestCommands struct {
	C2Pre             []string
	C2Post            []string
	TransferServerCmd string
	MakeExecutableFmt string
	FakeDNSStartCmd   string
	TracerFmt         string
}

// fileVmConfig is the TOML-shaped mirror of sandbox.VmConfig: the data
// model stays free of struct tags, the file format lives here instead.
type fileVmConfig struct {
	Arch           string `toml:"arch"`
	GuestUser      string `toml:"guest_user"`
	GuestPassword  string `toml:"guest_password" env:"DETONATOR_GUEST_PASSWORD"`
	ImageDir       string `toml:"image_dir"`
	NICHelper      string `toml:"nic_helper"`
	MACAddress     string `toml:"mac_address"`
	LoginPrompt    string `toml:"login_prompt"`
	MonitorPort    int    `toml:"monitor_port"`
	UseJSONMonitor bool   `toml:"use_json_monitor"`
	SSHHost        string `toml:"ssh_host"`
	SSHPort        int    `toml:"ssh_port"`
	StartupTimeout string `toml:"startup_timeout"`
}

type fileFilterRule struct {
	Table    string   `toml:"table"`
	Chain    string   `toml:"chain"`
	Target   string   `toml:"target"`
	Args     []string `toml:"args"`
	SrcIP    string   `toml:"src_ip"`
	DstIP    string   `toml:"dst_ip"`
	Iface    string   `toml:"iface"`
	Protocol string   `toml:"protocol"`
	SPort    int      `toml:"sport"`
	DPort    int      `toml:"dport"`
}

// fileDoc is the top-level shape of the TOML config file.
type fileDoc struct {
	Sandbox      fileVmConfig         `toml:"sandbox"`
	C2           fileVmConfig         `toml:"c2"`
	Net          fileNetConfig        `toml:"net"`
	Filters      []fileFilterRule     `toml:"filter"`
	SudoPassword string               `toml:"sudo_password" env:"DETONATOR_SUDO_PASSWORD"`
	Transfer     TransferServerConfig `toml:"transfer"`
	Disallowed   []string             `toml:"disallowed_architectures"`
	Commands     fileGuestCommands    `toml:"commands"`
}

// fileGuestCommands is the TOML-shaped mirror of GuestCommands.
type fileGuestCommands struct {
	C2Pre             []string `toml:"c2_pre"`
	C2Post            []string `toml:"c2_post"`
	TransferServerCmd string   `toml:"transfer_server_cmd"`
	MakeExecutableFmt string   `toml:"make_executable_fmt"`
	FakeDNSStartCmd   string   `toml:"fake_dns_start_cmd"`
	TracerFmt         string   `toml:"tracer_fmt"`
}

type fileNetConfig struct {
	BridgeName    string `toml:"bridge_name"`
	DHCPConfig    string `toml:"dhcp_config"`
	BridgeAddr    string `toml:"bridge_addr"`
	DHCPBackend   string `toml:"dhcp_backend"`
	DHCPRangeLow  string `toml:"dhcp_range_low"`
	DHCPRangeHigh string `toml:"dhcp_range_high"`
}

// FileProvider is the concrete config.Provider backed by a parsed TOML
// file with environment-variable overrides layered on top.
type FileProvider struct {
	doc fileDoc
}

// LoadFile parses path as TOML, then applies environment overrides tagged
// with `env:"..."` via caarlos0/env, matching the "env overrides a struct"
// idiom deevus-pixels documents for its own config loading.
func LoadFile(path string) (*FileProvider, error) {
	var doc fileDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, detonerr.NewConfigError(path, err)
	}
	if err := env.Parse(&doc); err != nil {
		return nil, detonerr.NewConfigError(path, fmt.Errorf("applying env overrides: %w", err))
	}
	if err := env.Parse(&doc.Sandbox); err != nil {
		return nil, detonerr.NewConfigError(path, fmt.Errorf("applying env overrides to [sandbox]: %w", err))
	}
	if err := env.Parse(&doc.C2); err != nil {
		return nil, detonerr.NewConfigError(path, fmt.Errorf("applying env overrides to [c2]: %w", err))
	}
	if err := env.Parse(&doc.Transfer); err != nil {
		return nil, detonerr.NewConfigError(path, fmt.Errorf("applying env overrides to [transfer]: %w", err))
	}
	return &FileProvider{doc: doc}, nil
}

func (p *FileProvider) SandboxVM() (sandbox.VmConfig, error) {
	return toVmConfig("sandbox", p.doc.Sandbox)
}

func (p *FileProvider) C2VM() (sandbox.VmConfig, error) {
	return toVmConfig("c2", p.doc.C2)
}

func (p *FileProvider) Net() (sandbox.NetConfig, error) {
	n := p.doc.Net
	if n.BridgeName == "" {
		return sandbox.NetConfig{}, detonerr.NewConfigError("net.bridge_name", fmt.Errorf("required"))
	}
	if n.BridgeAddr == "" {
		return sandbox.NetConfig{}, detonerr.NewConfigError("net.bridge_addr", fmt.Errorf("required"))
	}
	return sandbox.NetConfig{
		BridgeName:    n.BridgeName,
		DHCPConfig:    n.DHCPConfig,
		BridgeAddr:    n.BridgeAddr,
		DHCPBackend:   n.DHCPBackend,
		DHCPRangeLow:  n.DHCPRangeLow,
		DHCPRangeHigh: n.DHCPRangeHigh,
	}, nil
}

func (p *FileProvider) FilterRules() ([]sandbox.FilterRule, error) {
	rules := make([]sandbox.FilterRule, 0, len(p.doc.Filters))
	for i, f := range p.doc.Filters {
		var opts []sandbox.FilterRuleOption
		if f.SrcIP != "" {
			opts = append(opts, sandbox.WithSrcIP(f.SrcIP))
		}
		if f.DstIP != "" {
			opts = append(opts, sandbox.WithDstIP(f.DstIP))
		}
		if f.Iface != "" {
			opts = append(opts, sandbox.WithIface(f.Iface))
		}
		if f.Protocol != "" {
			opts = append(opts, sandbox.WithProtocol(f.Protocol))
		}
		if f.SPort != 0 {
			opts = append(opts, sandbox.WithSPort(f.SPort))
		}
		if f.DPort != 0 {
			opts = append(opts, sandbox.WithDPort(f.DPort))
		}
		rule, err := sandbox.NewFilterRule(sandbox.Table(f.Table), sandbox.Chain(f.Chain), f.Target, f.Args, opts...)
		if err != nil {
			return nil, detonerr.NewConfigError(fmt.Sprintf("filter[%d]", i), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (p *FileProvider) SudoPassword() (string, error) {
	if p.doc.SudoPassword == "" {
		return "", detonerr.NewConfigError("sudo_password", fmt.Errorf("required"))
	}
	return p.doc.SudoPassword, nil
}

func (p *FileProvider) TransferServer() (TransferServerConfig, error) {
	t := p.doc.Transfer
	if t.Host == "" || t.Port == 0 {
		return TransferServerConfig{}, detonerr.NewConfigError("transfer", fmt.Errorf("host and port are required"))
	}
	return t, nil
}

func (p *FileProvider) DisallowedArchitectures() ([]sandbox.Arch, error) {
	out := make([]sandbox.Arch, 0, len(p.doc.Disallowed))
	for _, a := range p.doc.Disallowed {
		out = append(out, sandbox.Arch(a))
	}
	return out, nil
}

// GuestCommands returns the [commands] section verbatim. Unlike the other
// accessors, an empty command string is not rejected here — the pipeline
// only fails at the point it actually tries to run an empty command
// against a guest, a "fail where the side effect would occur" posture
// applied consistently to optional fields throughout this package.
func (p *FileProvider) GuestCommands() (GuestCommands, error) {
	c := p.doc.Commands
	return GuestCommands{
		C2Pre:             c.C2Pre,
		C2Post:            c.C2Post,
		TransferServerCmd: c.TransferServerCmd,
		MakeExecutableFmt: c.MakeExecutableFmt,
		FakeDNSStartCmd:   c.FakeDNSStartCmd,
		TracerFmt:         c.TracerFmt,
	}, nil
}

func toVmConfig(section string, f fileVmConfig) (sandbox.VmConfig, error) {
	if f.ImageDir == "" {
		return sandbox.VmConfig{}, detonerr.NewConfigError(section+".image_dir", fmt.Errorf("required"))
	}
	if f.GuestUser == "" {
		return sandbox.VmConfig{}, detonerr.NewConfigError(section+".guest_user", fmt.Errorf("required"))
	}
	timeout, err := parseDurationOrDefault(f.StartupTimeout, "60s")
	if err != nil {
		return sandbox.VmConfig{}, detonerr.NewConfigError(section+".startup_timeout", err)
	}
	return sandbox.VmConfig{
		Arch:           sandbox.Arch(f.Arch),
		GuestUser:      f.GuestUser,
		GuestPassword:  f.GuestPassword,
		ImageDir:       f.ImageDir,
		NICHelper:      f.NICHelper,
		MACAddress:     f.MACAddress,
		LoginPrompt:    f.LoginPrompt,
		MonitorPort:    f.MonitorPort,
		UseJSONMonitor: f.UseJSONMonitor,
		SSH:            sandbox.SSHTarget{Host: f.SSHHost, Port: f.SSHPort},
		StartupTimeout: timeout,
	}, nil
}

func parseDurationOrDefault(s, fallback string) (time.Duration, error) {
	if s == "" {
		s = fallback
	}
	return time.ParseDuration(s)
}
