//go:build !linux || (mshv && !amd64)

package factory

import "github.com/tinyrange/hvlib/hv"

// New fails: no hypervisor backend exists for this platform and tag
// combination.
func New() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
