//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/hvlib/hv"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func archIrqChips() []hv.IrqChipModel {
	return []hv.IrqChipModel{hv.IrqChipIOAPIC}
}

func archVmType(systemFd int) uintptr { return 0 }

// archVmInit sets up the fixed pieces every x86_64 VM needs: the TSS
// region for real-mode emulation on Intel, the in-kernel IOAPIC/PIC pair
// and the PIT. The irqchip must exist before any routing, irqfd or MSI
// call can succeed.
func archVmInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.fd, 0xfffbd000); err != nil {
		return &hv.VmError{Op: "set tss addr", Err: err}
	}

	if err := createIRQChip(vm.fd); err != nil {
		return &hv.VmError{Op: "create irqchip", Err: err}
	}

	if err := createPIT(vm.fd); err != nil {
		return &hv.VmError{Op: "create pit", Err: err}
	}

	return nil
}

func archVcpuInit(vm *virtualMachine, vcpu *virtualCPU) error {
	cpuid, err := getSupportedCpuId(vm.hv.fd)
	if err != nil {
		return &hv.VcpuError{Index: vcpu.index, Op: "get supported cpuid", Err: err}
	}

	if err := setVCPUID(vcpu.fd, cpuid); err != nil {
		return &hv.VcpuError{Index: vcpu.index, Op: "set cpuid", Err: err}
	}

	return nil
}

func archDeviceType(kind hv.DeviceKind) (uint32, bool) {
	switch kind {
	case hv.DeviceVfio:
		return kvmDevTypeVfio, true
	default:
		return 0, false
	}
}

func gprFields(regs *kvmRegs) map[hv.Register]*uint64 {
	return map[hv.Register]*uint64{
		hv.RegisterAMD64Rax:    &regs.Rax,
		hv.RegisterAMD64Rbx:    &regs.Rbx,
		hv.RegisterAMD64Rcx:    &regs.Rcx,
		hv.RegisterAMD64Rdx:    &regs.Rdx,
		hv.RegisterAMD64Rsi:    &regs.Rsi,
		hv.RegisterAMD64Rdi:    &regs.Rdi,
		hv.RegisterAMD64Rsp:    &regs.Rsp,
		hv.RegisterAMD64Rbp:    &regs.Rbp,
		hv.RegisterAMD64R8:     &regs.R8,
		hv.RegisterAMD64R9:     &regs.R9,
		hv.RegisterAMD64R10:    &regs.R10,
		hv.RegisterAMD64R11:    &regs.R11,
		hv.RegisterAMD64R12:    &regs.R12,
		hv.RegisterAMD64R13:    &regs.R13,
		hv.RegisterAMD64R14:    &regs.R14,
		hv.RegisterAMD64R15:    &regs.R15,
		hv.RegisterAMD64Rip:    &regs.Rip,
		hv.RegisterAMD64Rflags: &regs.Rflags,
	}
}

func controlFields(sregs *kvmSRegs) map[hv.Register]*uint64 {
	return map[hv.Register]*uint64{
		hv.RegisterAMD64Cr0:      &sregs.Cr0,
		hv.RegisterAMD64Cr2:      &sregs.Cr2,
		hv.RegisterAMD64Cr3:      &sregs.Cr3,
		hv.RegisterAMD64Cr4:      &sregs.Cr4,
		hv.RegisterAMD64Cr8:      &sregs.Cr8,
		hv.RegisterAMD64Efer:     &sregs.Efer,
		hv.RegisterAMD64ApicBase: &sregs.ApicBase,
	}
}

func segmentFields(sregs *kvmSRegs) map[hv.Register]*kvmSegment {
	return map[hv.Register]*kvmSegment{
		hv.RegisterAMD64Cs:  &sregs.Cs,
		hv.RegisterAMD64Ds:  &sregs.Ds,
		hv.RegisterAMD64Es:  &sregs.Es,
		hv.RegisterAMD64Fs:  &sregs.Fs,
		hv.RegisterAMD64Gs:  &sregs.Gs,
		hv.RegisterAMD64Ss:  &sregs.Ss,
		hv.RegisterAMD64Tr:  &sregs.Tr,
		hv.RegisterAMD64Ldt: &sregs.Ldt,
	}
}

func tableFields(sregs *kvmSRegs) map[hv.Register]*kvmDTable {
	return map[hv.Register]*kvmDTable{
		hv.RegisterAMD64Gdt: &sregs.Gdt,
		hv.RegisterAMD64Idt: &sregs.Idt,
	}
}

func segmentFromValue(value hv.SegmentValue) kvmSegment {
	return kvmSegment{
		Base:     value.Base,
		Limit:    value.Limit,
		Selector: value.Selector,
		Type:     value.Type,
		Present:  value.Present,
		Dpl:      value.Dpl,
		Db:       value.Db,
		S:        value.S,
		L:        value.L,
		G:        value.G,
		Avl:      value.Avl,
	}
}

func segmentToValue(seg kvmSegment) hv.SegmentValue {
	return hv.SegmentValue{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     seg.Type,
		Present:  seg.Present,
		Dpl:      seg.Dpl,
		Db:       seg.Db,
		S:        seg.S,
		L:        seg.L,
		G:        seg.G,
		Avl:      seg.Avl,
	}
}

// classifyRegisters splits a register map into the GPR set handled by
// KVM_GET/SET_REGS and the special set handled by KVM_GET/SET_SREGS.
func classifyRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) (hasGpr, hasSpecial bool, err error) {
	var probeRegs kvmRegs
	var probeSregs kvmSRegs
	gprs := gprFields(&probeRegs)
	controls := controlFields(&probeSregs)
	segments := segmentFields(&probeSregs)
	tables := tableFields(&probeSregs)

	for reg := range regs {
		switch {
		case gprs[reg] != nil:
			hasGpr = true
		case controls[reg] != nil, segments[reg] != nil, tables[reg] != nil:
			hasSpecial = true
		default:
			return false, false, &hv.VcpuError{
				Index: v.index,
				Op:    "registers",
				Err:   fmt.Errorf("unsupported register %d for architecture x86_64", reg),
			}
		}
	}

	return hasGpr, hasSpecial, nil
}

func archSetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	hasGpr, hasSpecial, err := classifyRegisters(v, regs)
	if err != nil {
		return err
	}

	if hasGpr {
		current, err := getRegisters(v.fd)
		if err != nil {
			return &hv.VcpuError{Index: v.index, Op: "get registers", Err: err}
		}

		fields := gprFields(&current)
		for reg, value := range regs {
			field, ok := fields[reg]
			if !ok {
				continue
			}
			v64, ok := value.(hv.Register64)
			if !ok {
				return &hv.VcpuError{
					Index: v.index,
					Op:    "set registers",
					Err:   fmt.Errorf("register %d needs a Register64 value, got %T", reg, value),
				}
			}
			*field = uint64(v64)
		}

		if err := setRegisters(v.fd, &current); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "set registers", Err: err}
		}
	}

	if hasSpecial {
		current, err := getSRegs(v.fd)
		if err != nil {
			return &hv.VcpuError{Index: v.index, Op: "get special registers", Err: err}
		}

		controls := controlFields(&current)
		segments := segmentFields(&current)
		tables := tableFields(&current)

		for reg, value := range regs {
			switch {
			case controls[reg] != nil:
				v64, ok := value.(hv.Register64)
				if !ok {
					return &hv.VcpuError{
						Index: v.index,
						Op:    "set registers",
						Err:   fmt.Errorf("register %d needs a Register64 value, got %T", reg, value),
					}
				}
				*controls[reg] = uint64(v64)
			case segments[reg] != nil:
				seg, ok := value.(hv.SegmentValue)
				if !ok {
					return &hv.VcpuError{
						Index: v.index,
						Op:    "set registers",
						Err:   fmt.Errorf("register %d needs a SegmentValue, got %T", reg, value),
					}
				}
				*segments[reg] = segmentFromValue(seg)
			case tables[reg] != nil:
				table, ok := value.(hv.TableValue)
				if !ok {
					return &hv.VcpuError{
						Index: v.index,
						Op:    "set registers",
						Err:   fmt.Errorf("register %d needs a TableValue, got %T", reg, value),
					}
				}
				tables[reg].Base = table.Base
				tables[reg].Limit = table.Limit
			}
		}

		if err := setSRegs(v.fd, &current); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "set special registers", Err: err}
		}
	}

	return nil
}

func archGetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	hasGpr, hasSpecial, err := classifyRegisters(v, regs)
	if err != nil {
		return err
	}

	if hasGpr {
		current, err := getRegisters(v.fd)
		if err != nil {
			return &hv.VcpuError{Index: v.index, Op: "get registers", Err: err}
		}

		fields := gprFields(&current)
		for reg := range regs {
			if field, ok := fields[reg]; ok {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if hasSpecial {
		current, err := getSRegs(v.fd)
		if err != nil {
			return &hv.VcpuError{Index: v.index, Op: "get special registers", Err: err}
		}

		controls := controlFields(&current)
		segments := segmentFields(&current)
		tables := tableFields(&current)

		for reg := range regs {
			switch {
			case controls[reg] != nil:
				regs[reg] = hv.Register64(*controls[reg])
			case segments[reg] != nil:
				regs[reg] = segmentToValue(*segments[reg])
			case tables[reg] != nil:
				regs[reg] = hv.TableValue{Base: tables[reg].Base, Limit: tables[reg].Limit}
			}
		}
	}

	return nil
}

func archCaptureClock(vm *virtualMachine) (*hv.ClockData, error) {
	var data kvmClockData
	if err := getClock(vm.fd, &data); err != nil {
		return nil, &hv.VmError{Op: "get clock", Err: err}
	}

	return &hv.ClockData{
		Backend:  vm.hv.Backend(),
		Arch:     vm.hv.Architecture(),
		Clock:    data.Clock,
		Flags:    data.Flags,
		Realtime: data.Realtime,
		HostTsc:  data.HostTSC,
	}, nil
}

func archRestoreClock(vm *virtualMachine, clock *hv.ClockData) error {
	if err := clock.Matches(vm.hv.Backend(), vm.hv.Architecture()); err != nil {
		return &hv.VmError{Op: "set clock", Err: err}
	}

	// Only the clock value itself is writable; the kernel rejects the
	// readback-only flags.
	data := kvmClockData{Clock: clock.Clock}
	if err := setClock(vm.fd, &data); err != nil {
		return &hv.VmError{Op: "set clock", Err: err}
	}

	return nil
}

// x86_64 keeps its interrupt controller state inside the vCPU LAPIC blobs;
// there is no separate GIC to capture.
func archCaptureGic(vm *virtualMachine) (*hv.GicState, error) { return nil, nil }

func archRestoreGic(vm *virtualMachine, gic *hv.GicState) error {
	return &hv.VmError{Op: "restore gic", Err: hv.ErrStateMismatch}
}
