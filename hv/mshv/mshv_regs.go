//go:build linux && amd64

package mshv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
)

// Register names partitioned by the shape of their value.
var register64Names = map[hv.Register]uint32{
	hv.RegisterAMD64Rax:    hvX64RegisterRax,
	hv.RegisterAMD64Rbx:    hvX64RegisterRbx,
	hv.RegisterAMD64Rcx:    hvX64RegisterRcx,
	hv.RegisterAMD64Rdx:    hvX64RegisterRdx,
	hv.RegisterAMD64Rsi:    hvX64RegisterRsi,
	hv.RegisterAMD64Rdi:    hvX64RegisterRdi,
	hv.RegisterAMD64Rsp:    hvX64RegisterRsp,
	hv.RegisterAMD64Rbp:    hvX64RegisterRbp,
	hv.RegisterAMD64R8:     hvX64RegisterR8,
	hv.RegisterAMD64R9:     hvX64RegisterR9,
	hv.RegisterAMD64R10:    hvX64RegisterR10,
	hv.RegisterAMD64R11:    hvX64RegisterR11,
	hv.RegisterAMD64R12:    hvX64RegisterR12,
	hv.RegisterAMD64R13:    hvX64RegisterR13,
	hv.RegisterAMD64R14:    hvX64RegisterR14,
	hv.RegisterAMD64R15:    hvX64RegisterR15,
	hv.RegisterAMD64Rip:    hvX64RegisterRip,
	hv.RegisterAMD64Rflags: hvX64RegisterRflags,

	hv.RegisterAMD64Cr0:      hvX64RegisterCr0,
	hv.RegisterAMD64Cr2:      hvX64RegisterCr2,
	hv.RegisterAMD64Cr3:      hvX64RegisterCr3,
	hv.RegisterAMD64Cr4:      hvX64RegisterCr4,
	hv.RegisterAMD64Cr8:      hvX64RegisterCr8,
	hv.RegisterAMD64Efer:     hvX64RegisterEfer,
	hv.RegisterAMD64ApicBase: hvX64RegisterApicBase,
}

var segmentNames = map[hv.Register]uint32{
	hv.RegisterAMD64Cs:  hvX64RegisterCs,
	hv.RegisterAMD64Ds:  hvX64RegisterDs,
	hv.RegisterAMD64Es:  hvX64RegisterEs,
	hv.RegisterAMD64Fs:  hvX64RegisterFs,
	hv.RegisterAMD64Gs:  hvX64RegisterGs,
	hv.RegisterAMD64Ss:  hvX64RegisterSs,
	hv.RegisterAMD64Tr:  hvX64RegisterTr,
	hv.RegisterAMD64Ldt: hvX64RegisterLdtr,
}

var tableNames = map[hv.Register]uint32{
	hv.RegisterAMD64Gdt: hvX64RegisterGdtr,
	hv.RegisterAMD64Idt: hvX64RegisterIdtr,
}

func registerAssoc64(name uint32, value uint64) hvRegisterAssoc {
	a := hvRegisterAssoc{Name: name}
	binary.LittleEndian.PutUint64(a.Value[:8], value)
	return a
}

func assocValue64(a *hvRegisterAssoc) uint64 {
	return binary.LittleEndian.Uint64(a.Value[:8])
}

func segmentToAssoc(name uint32, s hv.SegmentValue) hvRegisterAssoc {
	a := hvRegisterAssoc{Name: name}
	seg := (*hvX64SegmentRegister)(unsafe.Pointer(&a.Value[0]))
	seg.Base = s.Base
	seg.Limit = s.Limit
	seg.Selector = s.Selector
	seg.Attributes = uint16(s.Type&0xf) |
		uint16(s.S&1)<<4 |
		uint16(s.Dpl&3)<<5 |
		uint16(s.Present&1)<<7 |
		uint16(s.Avl&1)<<8 |
		uint16(s.L&1)<<9 |
		uint16(s.Db&1)<<10 |
		uint16(s.G&1)<<11
	return a
}

func assocToSegment(a *hvRegisterAssoc) hv.SegmentValue {
	seg := (*hvX64SegmentRegister)(unsafe.Pointer(&a.Value[0]))
	attr := seg.Attributes
	return hv.SegmentValue{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     uint8(attr & 0xf),
		S:        uint8(attr >> 4 & 1),
		Dpl:      uint8(attr >> 5 & 3),
		Present:  uint8(attr >> 7 & 1),
		Avl:      uint8(attr >> 8 & 1),
		L:        uint8(attr >> 9 & 1),
		Db:       uint8(attr >> 10 & 1),
		G:        uint8(attr >> 11 & 1),
	}
}

func tableToAssoc(name uint32, t hv.TableValue) hvRegisterAssoc {
	a := hvRegisterAssoc{Name: name}
	table := (*hvX64TableRegister)(unsafe.Pointer(&a.Value[0]))
	table.Limit = t.Limit
	table.Base = t.Base
	return a
}

func assocToTable(a *hvRegisterAssoc) hv.TableValue {
	table := (*hvX64TableRegister)(unsafe.Pointer(&a.Value[0]))
	return hv.TableValue{Base: table.Base, Limit: table.Limit}
}

func setRegisterMap(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	assocs := make([]hvRegisterAssoc, 0, len(regs))

	for reg, value := range regs {
		if name, ok := register64Names[reg]; ok {
			v64, ok := value.(hv.Register64)
			if !ok {
				return &hv.VcpuError{Index: v.index, Op: "set registers",
					Err: fmt.Errorf("register %d requires a 64-bit value, got %T", reg, value)}
			}
			assocs = append(assocs, registerAssoc64(name, uint64(v64)))
		} else if name, ok := segmentNames[reg]; ok {
			seg, ok := value.(hv.SegmentValue)
			if !ok {
				return &hv.VcpuError{Index: v.index, Op: "set registers",
					Err: fmt.Errorf("register %d requires a segment value, got %T", reg, value)}
			}
			assocs = append(assocs, segmentToAssoc(name, seg))
		} else if name, ok := tableNames[reg]; ok {
			table, ok := value.(hv.TableValue)
			if !ok {
				return &hv.VcpuError{Index: v.index, Op: "set registers",
					Err: fmt.Errorf("register %d requires a table value, got %T", reg, value)}
			}
			assocs = append(assocs, tableToAssoc(name, table))
		} else {
			return &hv.VcpuError{Index: v.index, Op: "set registers",
				Err: fmt.Errorf("unsupported register %d for architecture x86_64", reg)}
		}
	}

	if len(assocs) == 0 {
		return nil
	}
	if err := setVpRegisters(v.fd, assocs); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set registers", Err: err}
	}
	return nil
}

func getRegisterMap(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	order := make([]hv.Register, 0, len(regs))
	assocs := make([]hvRegisterAssoc, 0, len(regs))

	for reg := range regs {
		name, ok := register64Names[reg]
		if !ok {
			if name, ok = segmentNames[reg]; !ok {
				if name, ok = tableNames[reg]; !ok {
					return &hv.VcpuError{Index: v.index, Op: "get registers",
						Err: fmt.Errorf("unsupported register %d for architecture x86_64", reg)}
				}
			}
		}
		order = append(order, reg)
		assocs = append(assocs, hvRegisterAssoc{Name: name})
	}

	if len(assocs) == 0 {
		return nil
	}
	if err := getVpRegisters(v.fd, assocs); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "get registers", Err: err}
	}

	for i, reg := range order {
		a := &assocs[i]
		if _, ok := register64Names[reg]; ok {
			regs[reg] = hv.Register64(assocValue64(a))
		} else if _, ok := segmentNames[reg]; ok {
			regs[reg] = assocToSegment(a)
		} else {
			regs[reg] = assocToTable(a)
		}
	}

	return nil
}

// vpStateOnlyNames are registers a CpuState blob carries beyond the ones
// reachable through SetRegisters: the floating point and XSAVE state and
// the syscall, sysenter and caching MSRs a guest needs to resume
// bit-identically.
var vpStateOnlyNames = func() []uint32 {
	names := []uint32{
		hvX64RegisterFpControlStatus,
		hvX64RegisterXmmControlStatus,
		hvX64RegisterXfem,
		hvX64RegisterTsc,
		hvX64RegisterKernelGsBase,
		hvX64RegisterPat,
		hvX64RegisterSysenterCs,
		hvX64RegisterSysenterEip,
		hvX64RegisterSysenterEsp,
		hvX64RegisterStar,
		hvX64RegisterLstar,
		hvX64RegisterCstar,
		hvX64RegisterSfmask,
		hvX64RegisterTscAux,
	}
	for i := uint32(0); i < 16; i++ {
		names = append(names, hvX64RegisterXmm0+i)
	}
	for i := uint32(0); i < 8; i++ {
		names = append(names, hvX64RegisterFpMmx0+i)
	}
	return names
}()

// vpStateNames is every register a CpuState blob carries, sorted so that
// two captures of the same state produce identical blobs.
var vpStateNames = func() []uint32 {
	names := slices.Clone(vpStateOnlyNames)
	for _, set := range []map[hv.Register]uint32{register64Names, segmentNames, tableNames} {
		for _, name := range set {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}()

// captureVpState reads the full register file and serializes it as a
// count-prefixed list of (name, 128-bit value) pairs.
func captureVpState(v *virtualCPU) ([]byte, error) {
	assocs := make([]hvRegisterAssoc, len(vpStateNames))
	for i, name := range vpStateNames {
		assocs[i].Name = name
	}

	if err := getVpRegisters(v.fd, assocs); err != nil {
		return nil, &hv.VcpuError{Index: v.index, Op: "get state", Err: err}
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(assocs)))
	for _, a := range assocs {
		binary.Write(&buf, binary.LittleEndian, a.Name)
		buf.Write(a.Value[:])
	}

	return buf.Bytes(), nil
}

func restoreVpState(v *virtualCPU, data []byte) error {
	fail := func(err error) error {
		return &hv.VcpuError{Index: v.index, Op: "set state", Err: err}
	}

	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fail(err)
	}
	// Each record is a 4-byte name plus a 16-byte value. Checking the
	// count against the remaining bytes up front keeps a corrupt blob
	// from driving a huge allocation.
	const recordSize = 4 + 16
	if int64(count)*recordSize != int64(r.Len()) {
		return fail(io.ErrUnexpectedEOF)
	}

	assocs := make([]hvRegisterAssoc, count)
	for i := range assocs {
		if err := binary.Read(r, binary.LittleEndian, &assocs[i].Name); err != nil {
			return fail(err)
		}
		if _, err := io.ReadFull(r, assocs[i].Value[:]); err != nil {
			return fail(err)
		}
	}

	if err := setVpRegisters(v.fd, assocs); err != nil {
		return fail(err)
	}
	return nil
}
