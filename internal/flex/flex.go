// Package flex allocates storage for kernel records that end in a flexible
// array member.
//
// Several hypervisor ioctl structures look like:
//
//	struct foo {
//		__u32 nr;
//		__u32 flags;
//		struct entry entries[];
//	};
//
// A fixed-size allocation of the header type is too small to hold the
// trailing entries, and a plain byte slice loses the header's alignment.
// Record allocates a slice of the header type large enough to cover the
// header plus the requested number of trailing elements, so the header keeps
// its natural alignment and the elements are contiguous with it.
package flex

import "unsafe"

// Record is zero-initialized storage for a header of type H followed by a
// trailing array of E.
type Record[H any, E any] struct {
	backing []H
	count   int
}

// New allocates a Record with room for count trailing elements. The backing
// buffer length is the smallest multiple of sizeof(H) that covers
// sizeof(H) + count*sizeof(E).
func New[H any, E any](count int) *Record[H, E] {
	var h H
	var e E

	headerSize := int(unsafe.Sizeof(h))
	byteLen := headerSize + count*int(unsafe.Sizeof(e))
	n := (byteLen + headerSize - 1) / headerSize

	return &Record[H, E]{
		backing: make([]H, n),
		count:   count,
	}
}

// Header returns the fixed header at the start of the buffer.
func (r *Record[H, E]) Header() *H {
	return &r.backing[0]
}

// Elements returns the trailing array as a slice of length Count.
func (r *Record[H, E]) Elements() []E {
	if r.count == 0 {
		return nil
	}

	base := unsafe.Pointer(&r.backing[0])
	first := unsafe.Add(base, unsafe.Sizeof(r.backing[0]))

	return unsafe.Slice((*E)(first), r.count)
}

// Count returns the number of trailing elements.
func (r *Record[H, E]) Count() int {
	return r.count
}

// Len returns the byte length of the allocated buffer.
func (r *Record[H, E]) Len() int {
	return len(r.backing) * int(unsafe.Sizeof(r.backing[0]))
}

// Pointer returns the address of the record for passing to an ioctl. The
// caller must keep the Record alive (runtime.KeepAlive) until the kernel
// call returns.
func (r *Record[H, E]) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&r.backing[0])
}
