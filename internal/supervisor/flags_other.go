//go:build !linux

package supervisor

import "errors"

// FlagRegion is a non-Linux stub; the supervisor's shared-memory handshake
// with a worker requires memfd_create and is Linux-only, matching the rest
// of this repository's perf_event_open surface.
type FlagRegion struct{}

// NewFlagRegion always fails on non-Linux platforms.
func NewFlagRegion() (*FlagRegion, error) {
	return nil, errors.New("supervisor: flag region requires linux")
}

// AttachFlagRegion always fails on non-Linux platforms.
func AttachFlagRegion(fd int) (*FlagRegion, error) {
	return nil, errors.New("supervisor: flag region requires linux")
}

func (f *FlagRegion) FD() int          { return -1 }
func (f *FlagRegion) CanRun() bool     { return false }
func (f *FlagRegion) SetCanRun(v bool) {}
func (f *FlagRegion) IncrErrors()      {}
func (f *FlagRegion) Errors() int64    { return 0 }
func (f *FlagRegion) Close() error     { return nil }
