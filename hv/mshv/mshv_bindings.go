//go:build linux && amd64

package mshv

import (
	"runtime"
	"unsafe"

	"github.com/tinyrange/hvlib/internal/flex"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func checkExtension(deviceFd int, cap uint32) (int, error) {
	v1, err := ioctlWithRetry(uintptr(deviceFd), mshvCheckExtension, uintptr(unsafe.Pointer(&cap)))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func createPartition(deviceFd int, args *mshvCreatePartitionData) (int, error) {
	v1, err := ioctlWithRetry(uintptr(deviceFd), mshvCreatePartition, uintptr(unsafe.Pointer(args)))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func initializePartition(partitionFd int) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvInitializePartition, 0)
	return err
}

func createVp(partitionFd int, index int) (int, error) {
	args := mshvCreateVpData{VpIndex: uint32(index)}
	v1, err := ioctlWithRetry(uintptr(partitionFd), mshvCreateVp, uintptr(unsafe.Pointer(&args)))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func mapGuestMemory(partitionFd int, region *mshvUserMemRegion) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvMapGuestMemory, uintptr(unsafe.Pointer(region)))
	return err
}

func unmapGuestMemory(partitionFd int, region *mshvUserMemRegion) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvUnmapGuestMemory, uintptr(unsafe.Pointer(region)))
	return err
}

// setMsiRouting installs a routing table. The kernel expects the entries
// immediately after the fixed header, so the record is built with flex.
func setMsiRouting(partitionFd int, entries []mshvMsiRoutingEntry) error {
	table := flex.New[mshvMsiRoutingHeader, mshvMsiRoutingEntry](len(entries))
	table.Header().Nr = uint32(len(entries))
	copy(table.Elements(), entries)

	_, err := ioctlWithRetry(uintptr(partitionFd), mshvSetMsiRouting, uintptr(table.Pointer()))
	runtime.KeepAlive(table)
	return err
}

func assertInterrupt(partitionFd int, args *mshvAssertInterruptData) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvAssertInterrupt, uintptr(unsafe.Pointer(args)))
	return err
}

func irqfd(partitionFd int, args *mshvIrqfdData) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvIrqfdIoctl, uintptr(unsafe.Pointer(args)))
	return err
}

func ioeventfd(partitionFd int, args *mshvIoeventfdData) error {
	_, err := ioctlWithRetry(uintptr(partitionFd), mshvIoeventfdIoctl, uintptr(unsafe.Pointer(args)))
	return err
}

func getVpRegisters(vpFd int, assocs []hvRegisterAssoc) error {
	args := mshvVpRegisters{
		Count:   uint32(len(assocs)),
		RegsPtr: uint64(uintptr(unsafe.Pointer(&assocs[0]))),
	}
	_, err := ioctlWithRetry(uintptr(vpFd), mshvGetVpRegisters, uintptr(unsafe.Pointer(&args)))
	runtime.KeepAlive(assocs)
	return err
}

func setVpRegisters(vpFd int, assocs []hvRegisterAssoc) error {
	args := mshvVpRegisters{
		Count:   uint32(len(assocs)),
		RegsPtr: uint64(uintptr(unsafe.Pointer(&assocs[0]))),
	}
	_, err := ioctlWithRetry(uintptr(vpFd), mshvSetVpRegisters, uintptr(unsafe.Pointer(&args)))
	runtime.KeepAlive(assocs)
	return err
}
