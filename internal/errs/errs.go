// Package errs centralizes the sentinel error kinds shared across the
// substrate (backend, allocators, pointer family, lightbeam), so callers
// can errors.Is against one kind regardless of which package raised it.
package errs

import "errors"

var (
	ErrCreationFailed     = errors.New("clio: creation failed")
	ErrAttachFailed       = errors.New("clio: attach failed")
	ErrOutOfMemory        = errors.New("clio: out of memory")
	ErrInvalidFree        = errors.New("clio: invalid free")
	ErrGpuOnlyUnsupported = errors.New("clio: GPU-only backend requires accelerator path")
	ErrTransportFailed    = errors.New("clio: transport failed")
	ErrDeserialization    = errors.New("clio: deserialization failed")
	ErrShmemNotSupported  = errors.New("clio: shared memory not supported")
)
