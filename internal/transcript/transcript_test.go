package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRingBufferEvictionByCount(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-1")

	for i := 0; i < maxLines+100; i++ {
		rl.Append(ChannelConsole, "out", "line")
	}

	entries := rl.Read(time.Time{}, 0)
	if len(entries) != maxLines {
		t.Fatalf("expected %d entries, got %d", maxLines, len(entries))
	}
}

func TestRingBufferEvictionByBytes(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-2")

	bigLine := strings.Repeat("x", 10000)
	for i := 0; i < 1000; i++ {
		rl.Append(ChannelMonitor, "out", bigLine)
	}

	entries := rl.Read(time.Time{}, 0)
	totalBytes := 0
	for _, e := range entries {
		totalBytes += len(e.Text) + len(e.Channel) + 40
	}
	if totalBytes > maxBytes+20000 {
		t.Fatalf("ring buffer bytes %d exceeded max %d by too much", totalBytes, maxBytes)
	}
}

func TestFilePersistence(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-3")

	rl.Append(ChannelConsole, "out", "hello")
	rl.Append(ChannelConsole, "in", "world")

	filePath := filepath.Join(dir, "run-3.ndjson")
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read transcript file: %v", err)
	}
	if !strings.Contains(string(data), "hello") || !strings.Contains(string(data), "world") {
		t.Fatalf("transcript file missing expected content: %s", data)
	}
}

func TestFileRotation(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-4")

	bigLine := strings.Repeat("a", 100000)
	for i := 0; i < 120; i++ {
		rl.Append(ChannelTransfer, "out", bigLine)
	}

	rotatedPath := filepath.Join(dir, "run-4.ndjson.1")
	if _, err := os.Stat(rotatedPath); os.IsNotExist(err) {
		t.Fatal("rotated transcript file does not exist")
	}
}

func TestSubscribeAndRead(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-5")

	rl.Append(ChannelSystem, "out", "before-1")
	rl.Append(ChannelSystem, "out", "before-2")

	ch, existing, unsub := rl.Subscribe()
	defer unsub()

	if len(existing) != 2 {
		t.Fatalf("expected 2 existing entries, got %d", len(existing))
	}

	rl.Append(ChannelSystem, "out", "after-1")

	select {
	case entry := <-ch:
		if entry.Text != "after-1" {
			t.Fatalf("expected 'after-1', got %q", entry.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription entry")
	}
}

func TestReadSinceAndTail(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-6")

	t1 := time.Now()
	time.Sleep(10 * time.Millisecond)
	rl.Append(ChannelConsole, "out", "line-1")
	rl.Append(ChannelConsole, "out", "line-2")
	rl.Append(ChannelConsole, "out", "line-3")
	rl.Append(ChannelConsole, "out", "line-4")

	all := rl.Read(time.Time{}, 0)
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}

	since := rl.Read(t1, 0)
	if len(since) != 4 {
		t.Fatalf("expected 4 entries since t1, got %d", len(since))
	}

	tail := rl.Read(time.Time{}, 2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 tail entries, got %d", len(tail))
	}
	if tail[0].Text != "line-3" || tail[1].Text != "line-4" {
		t.Fatalf("unexpected tail entries: %v, %v", tail[0].Text, tail[1].Text)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	rl := s.GetOrCreate("run-7")
	rl.Append(ChannelConsole, "out", "test")

	filePath := filepath.Join(dir, "run-7.ndjson")
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		t.Fatal("transcript file should exist")
	}

	s.Remove("run-7")

	if s.Get("run-7") != nil {
		t.Fatal("run log should be nil after Remove")
	}
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Fatal("transcript file should be removed")
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	rl1 := s.GetOrCreate("run-8")
	rl2 := s.GetOrCreate("run-8")

	if rl1 != rl2 {
		t.Fatal("GetOrCreate should return the same RunLog for the same ID")
	}
}
