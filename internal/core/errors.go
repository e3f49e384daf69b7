// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the dissection layer, the module runtime and the pipeline.
var (
	// Dissection errors
	ErrTooShort         = errors.New("pktforge: buffer too short for header")
	ErrWrongProtocol    = errors.New("pktforge: wrong protocol")
	ErrAllocationFailed = errors.New("pktforge: modifiable buffer allocation failed")
	ErrBadHeaderLength  = errors.New("pktforge: header length out of bounds")
	ErrViewReleased     = errors.New("pktforge: view already released")
	ErrUnsupportedProto = errors.New("pktforge: unsupported protocol")

	// Module errors
	ErrModuleNotFound   = errors.New("pktforge: module not found")
	ErrModuleLoadFailed = errors.New("pktforge: module load failed")
	ErrModuleInitFailed = errors.New("pktforge: module init failed")
	ErrModuleUnloaded   = errors.New("pktforge: module unloaded")
	ErrDoubleRelease    = errors.New("pktforge: module released more times than acquired")

	// Configuration errors
	ErrConfigInvalid = errors.New("pktforge: invalid configuration")

	// Pipeline errors
	ErrPipelineStopped = errors.New("pktforge: pipeline stopped")
)
