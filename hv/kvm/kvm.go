//go:build linux

package kvm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

type hypervisor struct {
	fd   int
	caps hv.Capabilities

	// amd64 MSR lists, resolved lazily on first snapshot.
	snapshotMsrsOnce sync.Once
	snapshotMsrs     []uint32
	snapshotMsrsErr  error
}

// Open opens /dev/kvm and validates the kernel's KVM API version. The
// returned handle is shared for the life of the process.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, &hv.HypervisorError{Op: "open /dev/kvm", Err: err}
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, &hv.HypervisorError{Op: "get api version", Err: err}
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, &hv.HypervisorError{
			Op:  "get api version",
			Err: fmt.Errorf("unsupported API version %d, want %d", version, kvmApiVersion),
		}
	}

	h := &hypervisor{fd: fd}
	if err := h.probeCapabilities(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return h, nil
}

func (h *hypervisor) probeCapabilities() error {
	probe := func(cap int) int {
		v, err := checkExtension(h.fd, cap)
		if err != nil {
			return 0
		}
		return v
	}

	h.caps = hv.Capabilities{
		MaxVcpus:     probe(kvmCapMaxVcpus),
		MaxMemslots:  probe(kvmCapNrMemslots),
		IrqChips:     archIrqChips(),
		IoEventFd:    probe(kvmCapIoeventfd) != 0,
		IrqFd:        probe(kvmCapIrqfd) != 0,
		SignalMsi:    probe(kvmCapSignalMsi) != 0,
		DirtyLogging: true,
	}

	// Old kernels report zero for these and fall back to compile-time
	// defaults.
	if h.caps.MaxVcpus == 0 {
		h.caps.MaxVcpus = 4
	}
	if h.caps.MaxMemslots == 0 {
		h.caps.MaxMemslots = 32
	}

	return nil
}

func (h *hypervisor) Backend() hv.BackendKind { return hv.BackendKVM }

func (h *hypervisor) Capabilities() hv.Capabilities { return h.caps }

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return &hv.HypervisorError{Op: "close", Err: err}
	}
	return nil
}

func (h *hypervisor) CreateVm() (hv.Vm, error) {
	vmFd, err := createVm(h.fd, archVmType(h.fd))
	if err != nil {
		return nil, &hv.HypervisorError{Op: "create vm", Err: err}
	}

	vm := &virtualMachine{
		hv:      h,
		fd:      vmFd,
		state:   hv.VmStateCreated,
		vcpus:   make(map[int]*virtualCPU),
		regions: hv.NewRegionSet(h.caps.MaxMemslots),
	}

	if err := archVmInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, err
	}

	return vm, nil
}

var _ hv.Hypervisor = &hypervisor{}
