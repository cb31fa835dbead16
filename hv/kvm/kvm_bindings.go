//go:build linux

package kvm

import (
	"runtime"
	"unsafe"

	"github.com/tinyrange/hvlib/internal/flex"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVm(fd int, machineType uintptr) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVm), machineType)
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func checkExtension(systemFd int, cap int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(systemFd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func createVCPU(vmFd int, index int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateVcpu), uintptr(index))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getDirtyLog(vmFd int, log *kvmDirtyLog) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetDirtyLog), uintptr(unsafe.Pointer(log)))
	return err
}

// setGsiRouting installs a routing table. The kernel expects the entries
// inline after the header, which is exactly the layout flex.Record builds.
func setGsiRouting(vmFd int, entries []kvmIrqRoutingEntry) error {
	table := flex.New[kvmIrqRoutingHeader, kvmIrqRoutingEntry](len(entries))
	table.Header().NR = uint32(len(entries))
	copy(table.Elements(), entries)

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), uintptr(table.Pointer()))
	runtime.KeepAlive(table)
	return err
}

func ioeventfd(vmFd int, args *kvmIoeventfdData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIoeventfd), uintptr(unsafe.Pointer(args)))
	return err
}

func irqfd(vmFd int, args *kvmIrqfdData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqfd), uintptr(unsafe.Pointer(args)))
	return err
}

func signalMsi(vmFd int, msi *kvmMSI) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(msi)))
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	line := kvmIRQLevel{IRQOrStatus: irqLine}
	if level {
		line.Level = 1
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func getClock(vmFd int, data *kvmClockData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetClock), uintptr(unsafe.Pointer(data)))
	return err
}

func setClock(vmFd int, data *kvmClockData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetClock), uintptr(unsafe.Pointer(data)))
	return err
}

func createDevice(vmFd int, args *kvmCreateDeviceData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateDevice), uintptr(unsafe.Pointer(args)))
	return err
}

func setDeviceAttr(devFd int, attr *kvmDeviceAttrData) error {
	_, err := ioctlWithRetry(uintptr(devFd), uint64(kvmSetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func getDeviceAttr(devFd int, attr *kvmDeviceAttrData) error {
	_, err := ioctlWithRetry(uintptr(devFd), uint64(kvmGetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func hasDeviceAttr(devFd int, attr *kvmDeviceAttrData) error {
	_, err := ioctlWithRetry(uintptr(devFd), uint64(kvmHasDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}
