//go:build linux && amd64

package kvm

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/tinyrange/hvlib/hv"
)

// archCaptureVcpuState serializes the complete x86_64 state of one vCPU:
// general registers, special registers, FPU, extended control registers,
// the in-kernel local APIC and the snapshot MSR set. The encoding is
// little-endian binary in that fixed order.
func archCaptureVcpuState(v *virtualCPU) ([]byte, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get registers", Err: err}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get special registers", Err: err}
	}

	fpu, err := getFPU(v.fd)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get fpu", Err: err}
	}

	xcrs, err := getXcrs(v.fd)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get xcrs", Err: err}
	}

	lapic, err := getLapic(v.fd)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get lapic", Err: err}
	}

	indices, err := v.vm.hv.snapshotMSRIndices()
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get msr index list", Err: err}
	}

	msrs, err := getMsrs(v.fd, indices)
	if err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get msrs", Err: err}
	}

	var buf bytes.Buffer
	for _, part := range []interface{}{&regs, &sregs, &fpu, &xcrs, lapic} {
		if err := binary.Write(&buf, binary.LittleEndian, part); err != nil {
			return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
		}
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(msrs))); err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
	}
	for _, entry := range msrs {
		if err := binary.Write(&buf, binary.LittleEndian, entry); err != nil {
			return nil, &hv.VcpuError{Index: v.index, Op: "encode state", Err: err}
		}
	}

	return buf.Bytes(), nil
}

func archRestoreVcpuState(v *virtualCPU, data []byte) error {
	r := bytes.NewReader(data)

	var regs kvmRegs
	var sregs kvmSRegs
	var fpu kvmFPU
	var xcrs kvmXcrs
	var lapic kvmLapicState
	for _, part := range []interface{}{&regs, &sregs, &fpu, &xcrs, &lapic} {
		if err := binary.Read(r, binary.LittleEndian, part); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
		}
	}

	var msrCount uint32
	if err := binary.Read(r, binary.LittleEndian, &msrCount); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
	}
	msrs := make([]kvmMsrEntry, msrCount)
	for i := range msrs {
		if err := binary.Read(r, binary.LittleEndian, &msrs[i]); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "decode state", Err: err}
		}
	}
	if r.Len() != 0 {
		return &hv.VcpuError{Index: v.index, Op: "decode state", Err: io.ErrUnexpectedEOF}
	}

	// Order matters on the way back in: sregs before regs so the segment
	// state is consistent when the GPRs land, and the LAPIC last.
	if err := setSRegs(v.fd, &sregs); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set special registers", Err: err}
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set registers", Err: err}
	}
	if err := setFPU(v.fd, &fpu); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set fpu", Err: err}
	}
	if err := setXcrs(v.fd, &xcrs); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set xcrs", Err: err}
	}
	if len(msrs) > 0 {
		if err := setMsrs(v.fd, msrs); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "set msrs", Err: err}
		}
	}
	if err := setLapic(v.fd, &lapic); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set lapic", Err: err}
	}

	return nil
}
