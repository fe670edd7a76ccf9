// Typed volatile MMIO access
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg implements the single MMIO access primitive every VGIC
// component is built on: a width-exact volatile load or store of a
// host-physical register, translated through the hypervisor's
// guest-physical/host-physical to host-virtual mapper.
//
// It is the width-generic generalization of
// github.com/usbarmory/tamago/internal/reg, which only ever needed 32-bit
// accesses because it drives real hardware directly; here the access width
// is dictated by whatever the trapping guest instruction used, so all of
// 1, 2, 4 and 8 bytes must be supported.
package reg

import (
	"sync"
	"unsafe"

	"github.com/usbarmory/vgic/hostif"
)

var mutex sync.Mutex

// Read performs a single volatile load of the given width at the
// host-physical address addr, translated via env's MemoryTranslator. No
// tearing across multiple words and no implicit masking: the returned value
// occupies exactly width*8 bits.
func Read(env *hostif.Env, addr hostif.PhysAddr, width int) (uint64, error) {
	ptr, err := env.Mem.PhysToVirt(addr)
	if err != nil {
		return 0, err
	}

	mutex.Lock()
	defer mutex.Unlock()

	switch width {
	case 1:
		return uint64(*(*uint8)(unsafe.Pointer(ptr))), nil
	case 2:
		return uint64(*(*uint16)(unsafe.Pointer(ptr))), nil
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(ptr))), nil
	case 8:
		return *(*uint64)(unsafe.Pointer(ptr)), nil
	default:
		return 0, hostif.ErrUnsupportedWidth
	}
}

// Write performs a single volatile store of the given width at the
// host-physical address addr.
func Write(env *hostif.Env, addr hostif.PhysAddr, width int, val uint64) error {
	ptr, err := env.Mem.PhysToVirt(addr)
	if err != nil {
		return err
	}

	mutex.Lock()
	defer mutex.Unlock()

	switch width {
	case 1:
		*(*uint8)(unsafe.Pointer(ptr)) = uint8(val)
	case 2:
		*(*uint16)(unsafe.Pointer(ptr)) = uint16(val)
	case 4:
		*(*uint32)(unsafe.Pointer(ptr)) = uint32(val)
	case 8:
		*(*uint64)(unsafe.Pointer(ptr)) = val
	default:
		return hostif.ErrUnsupportedWidth
	}

	return nil
}
