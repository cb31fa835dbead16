//go:build linux && arm64

package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
)

// archCaptureVcpuState serializes a vCPU as a sorted list of one-reg
// (register, value) pairs. Core registers must read back; system registers
// a kernel hides (Asahi Linux exposes only a subset) are skipped.
func archCaptureVcpuState(v *virtualCPU) ([]byte, error) {
	values := make(map[hv.Register]uint64, len(arm64RegisterIDs))

	for reg, id := range arm64CoreRegisterIDs {
		var val uint64
		if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
			return nil, &hv.VcpuError{Index: v.index, Op: "get core register", Err: err}
		}
		values[reg] = val
	}

	for reg, id := range arm64SysRegisterIDs {
		var val uint64
		if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
			continue
		}
		values[reg] = val
	}

	regs := make([]hv.Register, 0, len(values))
	for reg := range values {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(regs))); err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
	}
	for _, reg := range regs {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(reg)); err != nil {
			return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
		}
		if err := binary.Write(&buf, binary.LittleEndian, values[reg]); err != nil {
			return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
		}
	}

	return buf.Bytes(), nil
}

func archRestoreVcpuState(v *virtualCPU, data []byte) error {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
	}

	for i := uint32(0); i < count; i++ {
		var reg, val uint64
		if err := binary.Read(r, binary.LittleEndian, &reg); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
		}
		if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
		}

		if id, ok := arm64CoreRegisterIDs[hv.Register(reg)]; ok {
			if err := setOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
				return &hv.VcpuError{Index: v.index, Op: "set core register", Err: err}
			}
			continue
		}
		if id, ok := arm64SysRegisterIDs[hv.Register(reg)]; ok {
			// Best effort for the optional set, mirroring capture.
			_ = setOneReg(v.fd, id, unsafe.Pointer(&val))
		}
	}

	if r.Len() != 0 {
		return &hv.VcpuError{Index: v.index, Op: "decode state", Err: io.ErrUnexpectedEOF}
	}

	return nil
}

// Distributor register blocks captured across save/restore. Priority and
// config blocks scale with the number of interrupt lines.
const (
	gicdCtlr       = 0x0000
	gicdIsenabler  = 0x0100
	gicdIpriorityr = 0x0400
	gicdIcfgr      = 0x0c00
)

func gicDistOffsets(numIrqs uint32) []uint32 {
	offsets := []uint32{gicdCtlr}

	for n := uint32(0); n < numIrqs/32; n++ {
		offsets = append(offsets, gicdIsenabler+4*n)
	}
	for n := uint32(0); n < numIrqs/4; n++ {
		offsets = append(offsets, gicdIpriorityr+4*n)
	}
	for n := uint32(0); n < numIrqs/16; n++ {
		offsets = append(offsets, gicdIcfgr+4*n)
	}

	return offsets
}

func archCaptureGic(vm *virtualMachine) (*hv.GicState, error) {
	vm.mu.Lock()
	gic := vm.gic
	vm.mu.Unlock()

	if gic == nil {
		return nil, nil
	}

	numIrqs, err := hv.GetDeviceAttrUint32(gic, hv.DeviceAttr{Group: kvmDevArmVgicGrpNrIrqs})
	if err != nil {
		return nil, err
	}

	state := &hv.GicState{
		Backend: vm.hv.Backend(),
		Arch:    vm.hv.Architecture(),
		Model:   gicModel(gic.kind),
		NumIrqs: numIrqs,
	}

	for _, offset := range gicDistOffsets(numIrqs) {
		value, err := hv.GetDeviceAttrUint32(gic, hv.DeviceAttr{
			Group: kvmDevArmVgicGrpDistRegs,
			Attr:  uint64(offset),
		})
		if err != nil {
			// Registers beyond what the device implements are reported
			// as unsupported attributes.
			if errors.Is(err, hv.ErrAttrUnsupported) {
				continue
			}
			return nil, err
		}
		state.Dist = append(state.Dist, hv.GicRegister{Offset: offset, Value: value})
	}

	return state, nil
}

func archRestoreGic(vm *virtualMachine, state *hv.GicState) error {
	if err := state.Matches(vm.hv.Backend(), vm.hv.Architecture()); err != nil {
		return &hv.VmError{Op: "restore gic", Err: err}
	}

	vm.mu.Lock()
	gic := vm.gic
	vm.mu.Unlock()

	if gic == nil || gicModel(gic.kind) != state.Model {
		return &hv.VmError{Op: "restore gic", Err: hv.ErrStateMismatch}
	}

	for _, reg := range state.Dist {
		if err := hv.SetDeviceAttrUint32(gic, hv.DeviceAttr{
			Group: kvmDevArmVgicGrpDistRegs,
			Attr:  uint64(reg.Offset),
		}, reg.Value); err != nil {
			return err
		}
	}

	return nil
}

func gicModel(kind hv.DeviceKind) hv.IrqChipModel {
	if kind == hv.DeviceArmVgicV2 {
		return hv.IrqChipGICv2
	}
	return hv.IrqChipGICv3
}
