//go:build linux && amd64

package mshv

import (
	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

// The driver reports no hard limits of its own; these bound the layer's
// bookkeeping.
const (
	mshvMaxVcpus    = 256
	mshvMaxMemslots = 512
)

type hypervisor struct {
	fd   int
	caps hv.Capabilities
}

// Open opens /dev/mshv and verifies that the driver's core API is stable.
// The returned handle is shared for the life of the process.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/mshv", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, &hv.HypervisorError{Op: "open /dev/mshv", Err: err}
	}

	if _, err := checkExtension(fd, mshvCapCoreApiStable); err != nil {
		unix.Close(fd)
		return nil, &hv.HypervisorError{Op: "check core api", Err: err}
	}

	h := &hypervisor{
		fd: fd,
		caps: hv.Capabilities{
			MaxVcpus:    mshvMaxVcpus,
			MaxMemslots: mshvMaxMemslots,
			IoEventFd:   true,
			IrqFd:       true,
			SignalMsi:   true,
			// No GET_DIRTY_LOG equivalent is exposed through this layer.
			DirtyLogging: false,
		},
	}

	return h, nil
}

func (h *hypervisor) Backend() hv.BackendKind { return hv.BackendMSHV }

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) Capabilities() hv.Capabilities { return h.caps }

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return &hv.HypervisorError{Op: "close", Err: err}
	}
	return nil
}

func (h *hypervisor) CreateVm() (hv.Vm, error) {
	args := mshvCreatePartitionData{
		Flags: mshvPartitionLapicEnabled | mshvPartitionX2ApicCapable,
	}
	partitionFd, err := createPartition(h.fd, &args)
	if err != nil {
		return nil, &hv.HypervisorError{Op: "create partition", Err: err}
	}

	if err := initializePartition(partitionFd); err != nil {
		unix.Close(partitionFd)
		return nil, &hv.HypervisorError{Op: "initialize partition", Err: err}
	}

	return &virtualMachine{
		hv:      h,
		fd:      partitionFd,
		state:   hv.VmStateCreated,
		vcpus:   make(map[int]*virtualCPU),
		regions: hv.NewRegionSet(h.caps.MaxMemslots),
	}, nil
}

var _ hv.Hypervisor = &hypervisor{}
