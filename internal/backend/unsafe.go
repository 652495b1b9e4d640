package backend

import "unsafe"

// unsafePointerAt returns a pointer to the byte at off within buf, used for
// atomic access to fields embedded in mmap'd shared memory.
func unsafePointerAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}
