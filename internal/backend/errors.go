package backend

import "github.com/iowarp/clio-core/internal/errs"

// Re-exported so existing callers can keep writing backend.ErrCreationFailed
// etc.; the underlying sentinel lives in internal/errs so every package in
// the substrate can errors.Is against the same value.
var (
	ErrCreationFailed     = errs.ErrCreationFailed
	ErrAttachFailed       = errs.ErrAttachFailed
	ErrShmemNotSupported  = errs.ErrShmemNotSupported
	ErrGpuOnlyUnsupported = errs.ErrGpuOnlyUnsupported
)
