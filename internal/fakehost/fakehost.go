// Test double for the external host collaborators
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fakehost backs hostif.Env with a flat, process-memory-resident
// stand-in for the real hypervisor collaborators, so the rest of this
// module's test suites can exercise MMIO trap-and-emulate logic without a
// real GIC or stage-2 translation.
//
// Memory is a first-fit allocator over a single backing buffer, the same
// shape as github.com/usbarmory/tamago/dma, generalized from a 32-bit
// device-DMA address space to a test harness over an arbitrary-size host
// physical range where guest, host and emulated-register addresses are all
// one identity-mapped space.
package fakehost

import (
	"container/list"
	"fmt"
	"time"
	"unsafe"

	"github.com/usbarmory/vgic/hostif"
)

type block struct {
	addr hostif.PhysAddr
	size int
}

// Memory simulates physical memory plus a frame allocator and plays the
// role of both hostif.MemoryTranslator and hostif.FrameAllocator.
type Memory struct {
	buf        []byte
	base       hostif.PhysAddr
	freeBlocks *list.List
	usedBlocks map[hostif.PhysAddr]*block
}

// NewMemory allocates a size-byte backing region addressed starting at
// PhysAddr(base).
func NewMemory(base hostif.PhysAddr, size int) *Memory {
	m := &Memory{
		buf:        make([]byte, size),
		base:       base,
		freeBlocks: list.New(),
		usedBlocks: make(map[hostif.PhysAddr]*block),
	}

	m.freeBlocks.PushFront(&block{addr: base, size: size})

	return m
}

func (m *Memory) ptr(p hostif.PhysAddr) unsafe.Pointer {
	off := int(p - m.base)
	return unsafe.Pointer(&m.buf[off])
}

// PhysToVirt implements hostif.MemoryTranslator.
func (m *Memory) PhysToVirt(p hostif.PhysAddr) (uintptr, error) {
	if p < m.base || int(p-m.base) >= len(m.buf) {
		return 0, fmt.Errorf("fakehost: address %#x out of range", p)
	}

	return uintptr(m.ptr(p)), nil
}

// AllocContiguousFrames implements hostif.FrameAllocator with a first-fit
// search, mirroring dma.Region.Reserve.
func (m *Memory) AllocContiguousFrames(count int, alignLog2 uint) (hostif.PhysAddr, error) {
	size := count * 4096
	align := 1 << alignLog2

	for e := m.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		aligned := b.addr
		if rem := int(aligned) % align; rem != 0 {
			aligned += hostif.PhysAddr(align - rem)
		}
		pad := int(aligned - b.addr)

		if b.size-pad < size {
			continue
		}

		used := &block{addr: aligned, size: size}
		m.usedBlocks[aligned] = used

		remaining := b.size - pad - size
		m.freeBlocks.Remove(e)
		if remaining > 0 {
			m.freeBlocks.PushBack(&block{addr: aligned + hostif.PhysAddr(size), size: remaining})
		}
		if pad > 0 {
			m.freeBlocks.PushBack(&block{addr: b.addr, size: pad})
		}

		for i := 0; i < size; i++ {
			m.buf[int(aligned-m.base)+i] = 0
		}

		return aligned, nil
	}

	return 0, fmt.Errorf("fakehost: out of memory allocating %d frames", count)
}

// DeallocContiguousFrames implements hostif.FrameAllocator.
func (m *Memory) DeallocContiguousFrames(p hostif.PhysAddr, count int) {
	b, ok := m.usedBlocks[p]
	if !ok {
		return
	}

	delete(m.usedBlocks, p)
	m.freeBlocks.PushBack(b)
	_ = count
}

// ReadBytes copies size bytes out of the simulated memory, for test
// assertions against the content a component wrote.
func (m *Memory) ReadBytes(p hostif.PhysAddr, size int) []byte {
	out := make([]byte, size)
	copy(out, m.buf[int(p-m.base):int(p-m.base)+size])
	return out
}

// WriteBytes seeds simulated memory, for test setup.
func (m *Memory) WriteBytes(p hostif.PhysAddr, data []byte) {
	copy(m.buf[int(p-m.base):], data)
}

// Interrupts is a recording double for hostif.InterruptInjector.
type Interrupts struct {
	Injected []uint32
	VCPU     uint32
	VCPUNum  int
	CPUNum   int
}

func (i *Interrupts) InjectVirtualInterrupt(vector uint32) {
	i.Injected = append(i.Injected, vector)
}

func (i *Interrupts) CurrentVCPUID() uint32 { return i.VCPU }
func (i *Interrupts) CurrentVMVCPUNum() int { return i.VCPUNum }
func (i *Interrupts) HostCPUNum() int       { return i.CPUNum }

// scheduled is a one-shot timer queued by RegisterTimer.
type scheduled struct {
	deadline time.Time
	callback func()
	fired    bool
}

// Timers is a manually-advanced double for hostif.TimerService: tests call
// Advance to move the simulated clock and fire due callbacks, rather than
// relying on wall-clock sleep.
type Timers struct {
	now     uint64
	pending []*scheduled
}

func NewTimers(nowNanos uint64) *Timers {
	return &Timers{now: nowNanos}
}

func (t *Timers) RegisterTimer(deadline time.Time, callback func()) {
	t.pending = append(t.pending, &scheduled{deadline: deadline, callback: callback})
}

func (t *Timers) NowNanos() uint64 { return t.now }

// Advance moves the simulated clock forward by d and fires any timer whose
// deadline has passed.
func (t *Timers) Advance(d time.Duration) {
	t.now += uint64(d.Nanoseconds())
	now := time.Unix(0, int64(t.now))

	for _, s := range t.pending {
		if !s.fired && !s.deadline.After(now) {
			s.fired = true
			s.callback()
		}
	}
}

// Info is a static double for hostif.HostInfo.
type Info struct {
	GICD  hostif.PhysAddr
	GICR  hostif.PhysAddr
	Typer uint32
	IIDR  uint32
}

func (i *Info) HostGICDBase() hostif.PhysAddr { return i.GICD }
func (i *Info) HostGICRBase() hostif.PhysAddr { return i.GICR }
func (i *Info) VGICDTyper() uint32            { return i.Typer }
func (i *Info) VGICDIIDR() uint32             { return i.IIDR }

// Dispatcher records every device registered with it.
type Dispatcher struct {
	Devices []hostif.Device
}

func (d *Dispatcher) Register(dev hostif.Device) error {
	d.Devices = append(d.Devices, dev)
	return nil
}
