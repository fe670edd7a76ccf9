// LPI property table management
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package lpi manages the single, process-wide LPI configuration table
// GICv3's ITS and Redistributors share: one host-physical frame, sized
// from the real Distributor's advertised LPI id space, whose base
// address is programmed into every Redistributor's real GICR_PROPBASER
// so that LPI routing decisions made by real hardware see a consistent
// table regardless of which guest most recently touched an LPI.
package lpi

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/usbarmory/vgic/hostif"
)

// FirstLPI is the first LPI interrupt id (§3).
const FirstLPI = 8192

const pageSize = 4096

// propbaserAttrs are the fixed GICR_PROPBASER attribute bits ORed into
// the table's physical base: InnerShareable, Normal Write-Back
// Read-Allocate Write-Allocate Cacheable, with the IDbits field fixed at
// 0xf (16 interrupt id bits).
const propbaserAttrs = 0x78f

// Table is the shared LPI configuration table: one host-physical frame,
// allocated once per host and shared by every guest's Redistributors and
// ITS. The zero value is not ready to use; obtain one via New.
type Table struct {
	env *hostif.Env

	frame    hostif.PhysAddr
	numPages int

	mu   sync.Mutex
	seen map[hostif.PhysAddr]bool
}

// registry holds the one Table per host, keyed by the Env identifying
// that host (§9: "natural as lazily-initialized, mutex-guarded globals;
// init is keyed on the host ITS / GICR base address; guard against
// double-init with a completion marker"). Keying on Env rather than on a
// bare PhysAddr keeps independent test harnesses, each with their own
// Env and their own simulated physical address space, from colliding on
// reused addresses.
var (
	registryMu sync.Mutex
	registry   = map[*hostif.Env]*Table{}
)

// New returns the process-wide Table for env, allocating and sizing it
// from env.Info.VGICDTyper()'s IDbits field on first call. Every call
// propagates the table's base address into any gicrBases not already
// seen, so a Redistributor added by a later guest still has its real
// GICR_PROPBASER pointed at the shared table.
func New(env *hostif.Env, gicrBases []hostif.PhysAddr) (*Table, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	t, ok := registry[env]
	if !ok {
		var err error
		t, err = newTable(env)
		if err != nil {
			return nil, err
		}
		registry[env] = t
	}

	if err := t.propagateTo(gicrBases); err != nil {
		return nil, err
	}

	return t, nil
}

func newTable(env *hostif.Env) (*Table, error) {
	t := &Table{env: env, seen: map[hostif.PhysAddr]bool{}}

	idBits := (env.Info.VGICDTyper() >> 19) & 0x1f
	numIDs := uint64(1) << (idBits + 1)
	if numIDs <= FirstLPI {
		return nil, fmt.Errorf("lpi: GICD_TYPER advertises no LPI id space")
	}
	t.numPages = int((numIDs - FirstLPI) / pageSize)
	if t.numPages == 0 {
		t.numPages = 1
	}

	frame, err := env.Frames.AllocContiguousFrames(t.numPages, 0)
	if err != nil {
		return nil, fmt.Errorf("lpi: allocating property table: %w", err)
	}
	t.frame = frame

	return t, nil
}

// propagateTo writes the table's base address into GICR_PROPBASER of
// every base in gicrBases not already programmed.
func (t *Table) propagateTo(gicrBases []hostif.PhysAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	propreg := uint64(t.frame) | propbaserAttrs

	for _, base := range gicrBases {
		if t.seen[base] {
			continue
		}

		ptr, err := t.env.Mem.PhysToVirt(base + gicrPropbaserOffset)
		if err != nil {
			return err
		}
		*(*uint64)(unsafe.Pointer(ptr)) = propreg

		t.seen[base] = true
	}

	return nil
}

// gicrPropbaserOffset mirrors regmap.GICR_PROPBASER; duplicated here as
// a local constant, so package lpi imports only hostif.
const gicrPropbaserOffset = 0x0070

// EnableOne sets the configuration byte for lpi to priority 0, group 1,
// enabled — the sole state this module ever programs an LPI to, since
// its only callers are ITS command-queue shadowing (package gits), on a
// MAPI or MAPTI command establishing a new LPI mapping, and a guest
// GICR_INVLPIR write (package vgicr).
func (t *Table) EnableOne(lpi int) error {
	if lpi < 0 {
		return fmt.Errorf("lpi: invalid id %d", lpi)
	}

	ptr, err := t.env.Mem.PhysToVirt(t.frame + hostif.PhysAddr(lpi))
	if err != nil {
		return err
	}

	*(*uint8)(unsafe.Pointer(ptr)) = 0b1

	return nil
}

// ByteAt reads back the configuration byte for lpi, used by tests to
// assert EnableOne's effect.
func (t *Table) ByteAt(lpi int) (byte, error) {
	ptr, err := t.env.Mem.PhysToVirt(t.frame + hostif.PhysAddr(lpi))
	if err != nil {
		return 0, err
	}

	return *(*uint8)(unsafe.Pointer(ptr)), nil
}

// Frame returns the table's host-physical base address.
func (t *Table) Frame() hostif.PhysAddr { return t.frame }
