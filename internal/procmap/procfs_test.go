package procmap

import "testing"

func TestParseMapsLineStandard(t *testing.T) {
	line := "55a1e1c2b000-55a1e1c2e000 r-xp 00002000 08:01 123456 /usr/bin/myapp"
	d, ok, err := parseMapsLine(42, line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if d.Start != 0x55a1e1c2b000 || d.End != 0x55a1e1c2e000 {
		t.Fatalf("bad range: %#x-%#x", d.Start, d.End)
	}
	if d.Pgoff != 0x2000 {
		t.Fatalf("Pgoff = %#x, want 0x2000", d.Pgoff)
	}
	if d.Filename != "/usr/bin/myapp" {
		t.Fatalf("Filename = %q", d.Filename)
	}
	if d.Type != TypeStandard {
		t.Fatalf("Type = %v, want TypeStandard", d.Type)
	}
}

func TestParseMapsLineSpecialTypes(t *testing.T) {
	cases := []struct {
		line string
		want Type
	}{
		{"7ffd6a1e0000-7ffd6a201000 rw-p 00000000 00:00 0 [stack]", TypeStack},
		{"55a1e2000000-55a1e2021000 rw-p 00000000 00:00 0 [heap]", TypeHeap},
		{"7ffd6a3fd000-7ffd6a3ff000 r-xp 00000000 00:00 0 [vdso]", TypeVdso},
		{"ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0 [vsyscall]", TypeVsyscall},
	}
	for _, c := range cases {
		d, ok, err := parseMapsLine(1, c.line)
		if err != nil {
			t.Fatalf("parseMapsLine(%q): %v", c.line, err)
		}
		if !ok {
			t.Fatalf("parseMapsLine(%q): expected ok", c.line)
		}
		if d.Type != c.want {
			t.Fatalf("parseMapsLine(%q): Type = %v, want %v", c.line, d.Type, c.want)
		}
	}
}

func TestParseMapsLineDropsNonExecAnon(t *testing.T) {
	line := "7f0000000000-7f0000021000 rw-p 00000000 00:00 0"
	_, ok, err := parseMapsLine(1, line)
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	if ok {
		t.Fatalf("expected non-exec anonymous mapping to be dropped")
	}
}
