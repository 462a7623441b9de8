package kvm_test

import "unsafe"

func hostAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
