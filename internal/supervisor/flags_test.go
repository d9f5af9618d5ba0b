//go:build linux

package supervisor

import "testing"

func TestNewFlagRegionDefaultsToStopped(t *testing.T) {
	fr, err := NewFlagRegion()
	if err != nil {
		t.Fatalf("NewFlagRegion: %v", err)
	}
	defer fr.Close()

	if fr.CanRun() {
		t.Fatalf("CanRun() = true, want false before SetCanRun")
	}
	fr.SetCanRun(true)
	if !fr.CanRun() {
		t.Fatalf("CanRun() = false after SetCanRun(true)")
	}
}

func TestAttachFlagRegionSharesStateAcrossHandles(t *testing.T) {
	owner, err := NewFlagRegion()
	if err != nil {
		t.Fatalf("NewFlagRegion: %v", err)
	}
	defer owner.Close()
	owner.SetCanRun(true)

	attached, err := AttachFlagRegion(owner.FD())
	if err != nil {
		t.Fatalf("AttachFlagRegion: %v", err)
	}
	defer attached.Close()

	if !attached.CanRun() {
		t.Fatalf("attached.CanRun() = false, want true (region not shared)")
	}

	attached.IncrErrors()
	attached.IncrErrors()
	if got := owner.Errors(); got != 2 {
		t.Fatalf("owner.Errors() = %d, want 2", got)
	}

	owner.SetCanRun(false)
	if attached.CanRun() {
		t.Fatalf("attached.CanRun() = true after owner cleared it")
	}
}
