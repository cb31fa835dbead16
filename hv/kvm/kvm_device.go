//go:build linux

package kvm

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

// device wraps a file descriptor returned by KVM_CREATE_DEVICE. All
// interaction happens through the three device attribute ioctls.
type device struct {
	vm   *virtualMachine
	fd   int
	kind hv.DeviceKind

	mu     sync.Mutex
	closed bool
}

func (d *device) Kind() hv.DeviceKind { return d.kind }

func (d *device) GetAttr(attr hv.DeviceAttr, value []byte) error {
	args, err := d.attrArgs("get attr", attr, value)
	if err != nil {
		return err
	}

	err = getDeviceAttr(d.fd, args)
	runtime.KeepAlive(value)
	if err != nil {
		if err == unix.ENXIO {
			err = hv.ErrAttrUnsupported
		}
		return &hv.DeviceError{Kind: d.kind, Op: "get attr", Err: err}
	}
	return nil
}

func (d *device) SetAttr(attr hv.DeviceAttr, value []byte) error {
	args, err := d.attrArgs("set attr", attr, value)
	if err != nil {
		return err
	}

	err = setDeviceAttr(d.fd, args)
	runtime.KeepAlive(value)
	if err != nil {
		if err == unix.ENXIO {
			err = hv.ErrAttrUnsupported
		}
		return &hv.DeviceError{Kind: d.kind, Op: "set attr", Err: err}
	}
	return nil
}

func (d *device) HasAttr(attr hv.DeviceAttr) bool {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return false
	}

	args := kvmDeviceAttrData{Group: attr.Group, Attr: attr.Attr}
	return hasDeviceAttr(d.fd, &args) == nil
}

func (d *device) attrArgs(op string, attr hv.DeviceAttr, value []byte) (*kvmDeviceAttrData, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, &hv.DeviceError{Kind: d.kind, Op: op, Err: hv.ErrVmDestroyed}
	}

	args := &kvmDeviceAttrData{Group: attr.Group, Attr: attr.Attr}
	if len(value) > 0 {
		args.Addr = uint64(uintptr(unsafe.Pointer(&value[0])))
	}
	return args, nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := unix.Close(d.fd); err != nil {
		return &hv.DeviceError{Kind: d.kind, Op: "close", Err: err}
	}
	return nil
}

var _ hv.Device = &device{}
