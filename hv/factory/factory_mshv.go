//go:build linux && amd64 && mshv

package factory

import (
	"github.com/tinyrange/hvlib/hv"
	"github.com/tinyrange/hvlib/hv/mshv"
)

// New opens the compiled-in backend.
func New() (hv.Hypervisor, error) {
	return mshv.Open()
}
