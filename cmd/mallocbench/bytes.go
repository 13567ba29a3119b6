package main

import "unsafe"

func byteAt(addr, offset uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr + offset)) //nolint:govet
}

func setByteAt(addr, offset uintptr, v byte) {
	*(*byte)(unsafe.Pointer(addr + offset)) = v //nolint:govet
}
