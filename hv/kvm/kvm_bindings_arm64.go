//go:build linux && arm64

package kvm

import "unsafe"

func getOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func armPreferredTarget(vmFd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, err
	}
	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}
