//go:build linux && !mshv

package factory

import (
	"github.com/tinyrange/hvlib/hv"
	"github.com/tinyrange/hvlib/hv/kvm"
)

// New opens the compiled-in backend.
func New() (hv.Hypervisor, error) {
	return kvm.Open()
}
