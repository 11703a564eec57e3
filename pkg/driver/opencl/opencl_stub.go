//go:build !opencl
// +build !opencl

package opencl

import (
	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/driver"
)

func init() {
	driver.Register("opencl", func() (driver.Runtime, error) {
		return nil, errors.Wrap(driver.ErrRuntimeDisabled, "rebuild with -tags opencl")
	})
}

// Available returns false when built without the opencl tag.
func Available() bool {
	return false
}
