package tracepoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ddtrace/cpuprof/internal/perr"
)

func withFakeTracingDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := tracingDir
	tracingDir = dir
	t.Cleanup(func() { tracingDir = old })
	return dir
}

func writeTracepointFile(t *testing.T, dir, group, name, file, content string) {
	t.Helper()
	full := filepath.Join(dir, group, name)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(full, file), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestResolveSuccess(t *testing.T) {
	dir := withFakeTracingDir(t)
	writeTracepointFile(t, dir, "sched", "sched_switch", "id", "314\n")

	got, err := Resolve("sched:sched_switch")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != 314 {
		t.Fatalf("ID = %d, want 314", got.ID)
	}
}

func TestResolveMissingFileIsNoExist(t *testing.T) {
	withFakeTracingDir(t)

	_, err := Resolve("sched:does_not_exist")
	if err == nil {
		t.Fatalf("expected error for missing tracepoint")
	}
	if err.Kind != perr.KindNoExist {
		t.Fatalf("Kind = %v, want KindNoExist", err.Kind)
	}
}

func TestResolveMalformedSpecIsBadFormat(t *testing.T) {
	withFakeTracingDir(t)

	_, err := Resolve("not-a-valid-spec")
	if err == nil {
		t.Fatalf("expected error for malformed spec")
	}
	if err.Kind != perr.KindBadFormat {
		t.Fatalf("Kind = %v, want KindBadFormat", err.Kind)
	}
}

func TestResolveWithRegAndFreq(t *testing.T) {
	dir := withFakeTracingDir(t)
	writeTracepointFile(t, dir, "syscalls", "sys_enter_read", "id", "42")

	got, err := Resolve("syscalls:sys_enter_read%rdi@99")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != 42 || got.Reg != "rdi" || got.Freq != 99 {
		t.Fatalf("got %+v, want {ID:42 Reg:rdi Freq:99}", got)
	}
}

func TestWarnIfDisabled(t *testing.T) {
	dir := withFakeTracingDir(t)
	writeTracepointFile(t, dir, "kmem", "kmalloc", "enable", "0\n")

	if warn := WarnIfDisabled("kmem:kmalloc"); warn == nil {
		t.Fatalf("expected a notice when tracepoint is disabled")
	}
}
