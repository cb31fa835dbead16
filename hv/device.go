package hv

import "encoding/binary"

// SetDeviceAttrUint32 sets a device attribute whose payload is a single
// 32-bit little-endian value.
func SetDeviceAttrUint32(dev Device, attr DeviceAttr, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return dev.SetAttr(attr, buf[:])
}

// SetDeviceAttrUint64 sets a device attribute whose payload is a single
// 64-bit little-endian value.
func SetDeviceAttrUint64(dev Device, attr DeviceAttr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return dev.SetAttr(attr, buf[:])
}

// GetDeviceAttrUint32 reads a device attribute whose payload is a single
// 32-bit little-endian value.
func GetDeviceAttrUint32(dev Device, attr DeviceAttr) (uint32, error) {
	var buf [4]byte
	if err := dev.GetAttr(attr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// GetDeviceAttrUint64 reads a device attribute whose payload is a single
// 64-bit little-endian value.
func GetDeviceAttrUint64(dev Device, attr DeviceAttr) (uint64, error) {
	var buf [8]byte
	if err := dev.GetAttr(attr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
