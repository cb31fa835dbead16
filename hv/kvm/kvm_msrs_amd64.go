//go:build linux && amd64

package kvm

// MSRs worth carrying across save/restore: the timestamp counter, the
// syscall/sysenter entry points and the segment base registers the kernel
// cannot reconstruct from sregs alone.
const (
	msrIA32TSC         = 0x00000010
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrStar            = 0xc0000081
	msrLStar           = 0xc0000082
	msrCStar           = 0xc0000083
	msrSyscallMask     = 0xc0000084
	msrFsBase          = 0xc0000100
	msrGsBase          = 0xc0000101
	msrKernelGsBase    = 0xc0000102
	msrTscAux          = 0xc0000103
)

var snapshotMsrWhitelist = []uint32{
	msrIA32TSC,
	msrIA32SysenterCS,
	msrIA32SysenterESP,
	msrIA32SysenterEIP,
	msrIA32PAT,
	msrStar,
	msrLStar,
	msrCStar,
	msrSyscallMask,
	msrFsBase,
	msrGsBase,
	msrKernelGsBase,
	msrTscAux,
}

// snapshotMSRIndices intersects the whitelist with what the kernel
// actually supports, resolved once per process.
func (h *hypervisor) snapshotMSRIndices() ([]uint32, error) {
	h.snapshotMsrsOnce.Do(func() {
		supported, err := getMsrIndexList(h.fd)
		if err != nil {
			h.snapshotMsrsErr = err
			return
		}

		supportedSet := make(map[uint32]struct{}, len(supported))
		for _, index := range supported {
			supportedSet[index] = struct{}{}
		}

		var filtered []uint32
		for _, index := range snapshotMsrWhitelist {
			if _, ok := supportedSet[index]; ok {
				filtered = append(filtered, index)
			}
		}

		h.snapshotMsrs = filtered
	})

	return h.snapshotMsrs, h.snapshotMsrsErr
}
