package pipeline

import "testing"

func TestParseFileList(t *testing.T) {
	stdout := "some tracer banner\n" +
		fileListStart + "\n" +
		"strace_sample.1\n" +
		"sample.pcap\n" +
		"/tmp/dropped.sh\n" +
		"\n" +
		fileListEnd + "\n" +
		"trailing noise"

	files, err := parseFileList(stdout)
	if err != nil {
		t.Fatalf("parseFileList: %v", err)
	}
	want := []string{"strace_sample.1", "sample.pcap", "/tmp/dropped.sh"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestParseFileListMissingMarkers(t *testing.T) {
	if _, err := parseFileList("no markers here"); err == nil {
		t.Fatal("parseFileList: expected error for missing fenced markers, got nil")
	}
}

func TestArtifactPrefix(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/mirai.arm7", "mirai.ar"},
		{"short", "short"},
		{"exactly8", "exactly8"},
		{"/a/b/c/toolong.bin", "toolong."},
	}
	for _, c := range cases {
		if got := artifactPrefix(c.path); got != c.want {
			t.Errorf("artifactPrefix(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestClassifyArtifacts(t *testing.T) {
	prefix := "mirai.ar"
	files := []string{
		"strace_mirai.ar.123",
		"strace_mirai.ar.456",
		"mirai.ar.pcap",
		"dropped_payload.sh",
		"/tmp/another_file",
	}
	got := classifyArtifacts(files, prefix)

	if got.pcap != "mirai.ar.pcap" {
		t.Errorf("pcap = %q, want %q", got.pcap, "mirai.ar.pcap")
	}
	if len(got.syscalls) != 2 {
		t.Fatalf("syscalls = %v, want 2 entries", got.syscalls)
	}
	if len(got.created) != 2 {
		t.Fatalf("created = %v, want 2 entries", got.created)
	}
}

func TestClassifyArtifactsPcapng(t *testing.T) {
	got := classifyArtifacts([]string{"sample.pcapng"}, "sample")
	if got.pcap != "sample.pcapng" {
		t.Errorf("pcap = %q, want %q", got.pcap, "sample.pcapng")
	}
}

func TestClassifyArtifactsNoFalsePositiveSyscallMatch(t *testing.T) {
	// A created file that merely starts with "strace_" but doesn't match
	// the prefix-scoped regex must not be misclassified as a syscall trace.
	got := classifyArtifacts([]string{"strace_other.999"}, "mirai.ar")
	if len(got.syscalls) != 0 {
		t.Errorf("syscalls = %v, want none", got.syscalls)
	}
	if len(got.created) != 1 {
		t.Errorf("created = %v, want 1 entry", got.created)
	}
}
