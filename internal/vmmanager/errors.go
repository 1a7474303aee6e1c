package vmmanager

import "errors"

// These are kept as distinct sentinels rather than a single error with a
// message field so callers (the creation-error metric's kind label) can
// classify failures by errors.Is instead of string-matching.
var (
	ErrAllocation      = errors.New("no free ip or context id available")
	ErrPreflight       = errors.New("missing kernel or rootfs image")
	ErrProcessLaunch   = errors.New("hypervisor process failed to start")
	ErrConfigAPI       = errors.New("hypervisor configuration api call failed")
	ErrSocketTimeout   = errors.New("timed out waiting for hypervisor control socket")
	ErrVMNotFound      = errors.New("vm handle not found")
)
