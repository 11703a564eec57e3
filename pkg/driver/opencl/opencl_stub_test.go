//go:build !opencl
// +build !opencl

package opencl

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanyungyang/clpp/pkg/driver"
)

func TestAvailableStub(t *testing.T) {
	assert.False(t, Available())
}

func TestOpenStub(t *testing.T) {
	assert.Contains(t, driver.Names(), "opencl")

	rt, err := driver.Open("opencl")
	require.Error(t, err)
	assert.Nil(t, rt)
	assert.True(t, errors.Is(err, driver.ErrRuntimeDisabled))
}
