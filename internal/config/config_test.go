package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotsandbox/detonator/internal/detonerr"
)

const minimalTOML = `
sudo_password = "toor"

[sandbox]
arch = "arm"
guest_user = "root"
image_dir = "/var/lib/detonator/images/arm"
ssh_host = "192.168.100.10"
ssh_port = 22

[c2]
arch = "x86_64"
guest_user = "root"
image_dir = "/var/lib/detonator/images/c2"

[net]
bridge_name = "det-br0"
bridge_addr = "192.168.100.1"

[transfer]
host = "192.168.100.10"
port = 9999
encoding = "raw"

[[filter]]
table = "filter"
chain = "FORWARD"
target = "DROP"
dst_ip = "10.0.0.0/8"
`

func writeTOML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detonator.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadFileHappyPath(t *testing.T) {
	path := writeTOML(t, minimalTOML)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	vm, err := p.SandboxVM()
	if err != nil {
		t.Fatalf("SandboxVM: %v", err)
	}
	if vm.GuestUser != "root" || vm.ImageDir != "/var/lib/detonator/images/arm" {
		t.Errorf("SandboxVM = %+v", vm)
	}
	if vm.StartupTimeout != 60*time.Second {
		t.Errorf("StartupTimeout = %v, want default 60s", vm.StartupTimeout)
	}

	c2, err := p.C2VM()
	if err != nil {
		t.Fatalf("C2VM: %v", err)
	}
	if c2.ImageDir != "/var/lib/detonator/images/c2" {
		t.Errorf("C2VM = %+v", c2)
	}

	net, err := p.Net()
	if err != nil {
		t.Fatalf("Net: %v", err)
	}
	if net.BridgeName != "det-br0" {
		t.Errorf("Net = %+v", net)
	}

	rules, err := p.FilterRules()
	if err != nil {
		t.Fatalf("FilterRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("FilterRules = %v, want 1 rule", rules)
	}

	pw, err := p.SudoPassword()
	if err != nil || pw != "toor" {
		t.Errorf("SudoPassword = %q, %v", pw, err)
	}

	xfer, err := p.TransferServer()
	if err != nil {
		t.Fatalf("TransferServer: %v", err)
	}
	if xfer.Addr() != "192.168.100.10:9999" {
		t.Errorf("TransferServer.Addr = %q", xfer.Addr())
	}
}

func TestLoadFileMissingImageDir(t *testing.T) {
	path := writeTOML(t, `
sudo_password = "toor"
[sandbox]
guest_user = "root"
[c2]
guest_user = "root"
image_dir = "/x"
[net]
bridge_name = "b0"
bridge_addr = "10.0.0.1"
[transfer]
host = "h"
port = 1
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	_, err = p.SandboxVM()
	if err == nil {
		t.Fatal("SandboxVM: expected error for missing image_dir, got nil")
	}
	if _, ok := err.(*detonerr.ConfigError); !ok {
		t.Errorf("error = %v (%T), want *detonerr.ConfigError", err, err)
	}
}

func TestLoadFileMissingBridgeAddr(t *testing.T) {
	path := writeTOML(t, `
sudo_password = "toor"
[sandbox]
guest_user = "root"
image_dir = "/x"
[c2]
guest_user = "root"
image_dir = "/x"
[net]
bridge_name = "b0"
[transfer]
host = "h"
port = 1
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := p.Net(); err == nil {
		t.Fatal("Net: expected error for missing bridge_addr, got nil")
	}
}

func TestLoadFileBadStartupTimeout(t *testing.T) {
	path := writeTOML(t, `
sudo_password = "toor"
[sandbox]
guest_user = "root"
image_dir = "/x"
startup_timeout = "not-a-duration"
[c2]
guest_user = "root"
image_dir = "/x"
[net]
bridge_name = "b0"
bridge_addr = "10.0.0.1"
[transfer]
host = "h"
port = 1
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := p.SandboxVM(); err == nil {
		t.Fatal("SandboxVM: expected error for malformed startup_timeout, got nil")
	}
}

func TestLoadFileMissingSudoPassword(t *testing.T) {
	path := writeTOML(t, `
[sandbox]
guest_user = "root"
image_dir = "/x"
[c2]
guest_user = "root"
image_dir = "/x"
[net]
bridge_name = "b0"
bridge_addr = "10.0.0.1"
[transfer]
host = "h"
port = 1
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := p.SudoPassword(); err == nil {
		t.Fatal("SudoPassword: expected error when unset, got nil")
	}
}

func TestLoadFileMissingTransferPort(t *testing.T) {
	path := writeTOML(t, `
sudo_password = "toor"
[sandbox]
guest_user = "root"
image_dir = "/x"
[c2]
guest_user = "root"
image_dir = "/x"
[net]
bridge_name = "b0"
bridge_addr = "10.0.0.1"
[transfer]
host = "h"
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := p.TransferServer(); err == nil {
		t.Fatal("TransferServer: expected error when port is unset, got nil")
	}
}

func TestLoadFileEnvOverridesSudoPassword(t *testing.T) {
	path := writeTOML(t, minimalTOML)
	t.Setenv("DETONATOR_SUDO_PASSWORD", "from-env")

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	pw, err := p.SudoPassword()
	if err != nil {
		t.Fatalf("SudoPassword: %v", err)
	}
	if pw != "from-env" {
		t.Errorf("SudoPassword = %q, want env override %q", pw, "from-env")
	}
}

func TestLoadFileEnvOverridesGuestPassword(t *testing.T) {
	path := writeTOML(t, minimalTOML)
	t.Setenv("DETONATOR_GUEST_PASSWORD", "hunter2")

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	vm, err := p.SandboxVM()
	if err != nil {
		t.Fatalf("SandboxVM: %v", err)
	}
	if vm.GuestPassword != "hunter2" {
		t.Errorf("GuestPassword = %q, want env override", vm.GuestPassword)
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("LoadFile: expected error for missing file, got nil")
	}
}

func TestGuestCommands(t *testing.T) {
	path := writeTOML(t, minimalTOML+`
[commands]
c2_pre = ["/opt/honeypot/start.sh"]
c2_post = ["/opt/honeypot/stop.sh"]
transfer_server_cmd = "/opt/transferd"
make_executable_fmt = "chmod +x %s"
fake_dns_start_cmd = "python3 /opt/fakedns.py"
tracer_fmt = "/opt/tracer.sh %s"
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cmds, err := p.GuestCommands()
	if err != nil {
		t.Fatalf("GuestCommands: %v", err)
	}
	if len(cmds.C2Pre) != 1 || cmds.C2Pre[0] != "/opt/honeypot/start.sh" {
		t.Errorf("C2Pre = %v", cmds.C2Pre)
	}
	if len(cmds.C2Post) != 1 || cmds.C2Post[0] != "/opt/honeypot/stop.sh" {
		t.Errorf("C2Post = %v", cmds.C2Post)
	}
	if cmds.TransferServerCmd != "/opt/transferd" {
		t.Errorf("TransferServerCmd = %q", cmds.TransferServerCmd)
	}
	if cmds.FakeDNSStartCmd != "python3 /opt/fakedns.py" {
		t.Errorf("FakeDNSStartCmd = %q", cmds.FakeDNSStartCmd)
	}
}

func TestDisallowedArchitectures(t *testing.T) {
	path := writeTOML(t, minimalTOML+"\ndisallowed_architectures = [\"mips\", \"mipsel\"]\n")
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	archs, err := p.DisallowedArchitectures()
	if err != nil {
		t.Fatalf("DisallowedArchitectures: %v", err)
	}
	if len(archs) != 2 {
		t.Fatalf("DisallowedArchitectures = %v, want 2 entries", archs)
	}
}
