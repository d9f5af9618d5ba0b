package watcherspec

import "testing"

func TestFromPresetOverridesPeriod(t *testing.T) {
	w, err := FromPreset(10, 2, 500_000)
	if err != nil {
		t.Fatalf("FromPreset: %v", err)
	}
	if w.Pos != 2 {
		t.Fatalf("Pos = %d, want 2", w.Pos)
	}
	if w.SamplePeriod != 500_000 {
		t.Fatalf("SamplePeriod = %d, want 500000", w.SamplePeriod)
	}
	if w.SampleFreq != 0 {
		t.Fatalf("SampleFreq = %d, want 0 after period override", w.SampleFreq)
	}
	if w.Kind != EventSoftwareTaskClock {
		t.Fatalf("Kind = %v, want EventSoftwareTaskClock", w.Kind)
	}
}

func TestFromPresetUnknownID(t *testing.T) {
	if _, err := FromPreset(999, 0, 0); err == nil {
		t.Fatalf("expected error for unknown preset id")
	}
}

func TestFromPresetNoOverrideKeepsDefault(t *testing.T) {
	w, err := FromPreset(11, 0, 0)
	if err != nil {
		t.Fatalf("FromPreset: %v", err)
	}
	if w.SamplePeriod != 4_000_000 {
		t.Fatalf("SamplePeriod = %d, want preset default 4000000", w.SamplePeriod)
	}
}

func TestParseTracepointSpec(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		want    ParsedTracepoint
		wantErr bool
	}{
		{"bare", "sched:sched_switch", ParsedTracepoint{Group: "sched", Name: "sched_switch"}, false},
		{"with reg", "syscalls:sys_enter_read%rdi", ParsedTracepoint{Group: "syscalls", Name: "sys_enter_read", Reg: "rdi"}, false},
		{"with freq", "kmem:kmalloc@99", ParsedTracepoint{Group: "kmem", Name: "kmalloc", Freq: 99}, false},
		{"reg and freq", "syscalls:sys_enter_read%rdi@50", ParsedTracepoint{Group: "syscalls", Name: "sys_enter_read", Reg: "rdi", Freq: 50}, false},
		{"no colon", "sched_switch", ParsedTracepoint{}, true},
		{"empty name", "sched:", ParsedTracepoint{}, true},
		{"empty reg", "sched:sched_switch%", ParsedTracepoint{}, true},
		{"bad freq", "kmem:kmalloc@notanumber", ParsedTracepoint{}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseTracepointSpec(c.spec)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for spec %q", c.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTracepointSpec(%q): %v", c.spec, err)
			}
			if got != c.want {
				t.Fatalf("ParseTracepointSpec(%q) = %+v, want %+v", c.spec, got, c.want)
			}
		})
	}
}
