// Package opencl binds the driver.Runtime contract to an installed OpenCL
// ICD loader through cgo.
//
// Importing the package registers the "opencl" runtime with the driver
// registry. The binding itself is only compiled with the "opencl" build tag:
//
//	go build -tags opencl ./...
//
// Without the tag the runtime is still registered, but opening it fails with
// driver.ErrRuntimeDisabled and driver.Select moves on to the next backend.
//
// # Requirements
//
// For AMD GPUs on Linux:
//   - ROCm (Radeon Open Compute): https://rocm.docs.amd.com/
//   - Or AMD GPU drivers with OpenCL support
//
// For Intel GPUs:
//   - Intel oneAPI or Intel OpenCL runtime
//
// For NVIDIA GPUs:
//   - NVIDIA drivers with OpenCL support
//
// For CPU-only hosts, POCL provides a portable implementation:
//
//	apt install pocl-opencl-icd ocl-icd-opencl-dev
//
// # Environment Variables
//
// Linux (AMD ROCm):
//
//	export LD_LIBRARY_PATH=/opt/rocm/opencl/lib:$LD_LIBRARY_PATH
//
// macOS ships OpenCL 1.2 as a deprecated framework. It links, but some
// drivers reject clSetCommandQueueProperty with CL_INVALID_OPERATION.
//
// # Host memory
//
// The runtime pins Go memory handed to non-blocking transfers and to
// buffers created with MemUseHostPtr, because the device reads or writes it
// after the call returns. Pins are dropped when the last reference to the
// owning event or buffer is released through this runtime.
package opencl

import "github.com/pkg/errors"

// ErrNoPlatform is returned by New when the ICD loader reports no platform.
var ErrNoPlatform = errors.New("opencl: no OpenCL platform installed")
