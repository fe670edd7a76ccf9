// Virtual Redistributor emulation
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vgicr emulates a GICv3 Redistributor frame, one instance per
// vCPU. Most registers are raw passthrough to the real, per-CPU
// Redistributor; GICR_TYPER's Last bit and GICR_PROPBASER are pure
// shadow, and GICR_INVLPIR drives the shared LPI property table.
package vgicr

import (
	"sync"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/lpi"
	"github.com/usbarmory/vgic/reg"
	"github.com/usbarmory/vgic/regmap"
)

// GICR_TYPER_LAST marks the Redistributor that is the last in a
// contiguous Redistributor region (ARM GIC Architecture Specification).
const GICR_TYPER_LAST = 1 << 4

// MaintenanceInterrupt is the virtual PPI id Linux uses for the vGIC
// maintenance interrupt; a guest disabling it via GICR_ICENABLER would
// break this hypervisor's own interrupt-injection bookkeeping, so its bit
// is silently stripped from every GICR_ICENABLER write.
const MaintenanceInterrupt = 25

// Config describes one guest's Redistributor frame.
type Config struct {
	Base         hostif.PhysAddr // guest-physical address of this frame
	Size         uint64
	HostGICRAddr hostif.PhysAddr // host-physical address of the matching real frame
	CPUID        int             // index of this Redistributor within its guest
	IsLast       bool            // true iff this is the highest-indexed Redistributor of its guest
	PropTable    *lpi.Table
}

// Redistributor emulates one vCPU's Redistributor frame.
type Redistributor struct {
	env *hostif.Env
	cfg Config

	mu        sync.Mutex
	propbaser uint64 // pure shadow: every Redistributor stores its own copy but the table is shared
}

// New builds a Redistributor bound to env and registers it.
func New(env *hostif.Env, cfg Config) (*Redistributor, error) {
	r := &Redistributor{env: env, cfg: cfg}

	if err := env.Dispatch.Register(r); err != nil {
		return nil, err
	}

	return r, nil
}

// EmuType implements hostif.Device.
func (r *Redistributor) EmuType() hostif.DeviceKind { return hostif.InterruptController }

// AddressRange implements hostif.Device.
func (r *Redistributor) AddressRange() (hostif.PhysAddr, uint64) { return r.cfg.Base, r.cfg.Size }

func (r *Redistributor) hostAddr(offset uint64) hostif.PhysAddr {
	return r.cfg.HostGICRAddr + hostif.PhysAddr(offset)
}

// HandleRead implements hostif.Device.
func (r *Redistributor) HandleRead(offset uint64, width int) (uint64, error) {
	m, err := regmap.ClassifyGICR(hostif.PhysAddr(offset))
	if err != nil {
		return reg.Read(r.env, r.hostAddr(offset), width)
	}

	switch m.Reg {
	case regmap.GICRTYPER:
		v, err := reg.Read(r.env, r.hostAddr(offset), width)
		if err != nil {
			return 0, err
		}
		if r.cfg.IsLast {
			v |= GICR_TYPER_LAST
		}
		return v, nil

	case regmap.GICRPROPBASER:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.propbaser, nil

	case regmap.GICRSYNCR:
		return 0, nil

	default:
		return reg.Read(r.env, r.hostAddr(offset), width)
	}
}

// HandleWrite implements hostif.Device.
func (r *Redistributor) HandleWrite(offset uint64, width int, value uint64) error {
	m, err := regmap.ClassifyGICR(hostif.PhysAddr(offset))
	if err != nil {
		return reg.Write(r.env, r.hostAddr(offset), width, value)
	}

	switch m.Reg {
	case regmap.GICRTYPER, regmap.GICRSYNCR:
		// read-only: ignore
		return nil

	case regmap.GICRPROPBASER:
		r.mu.Lock()
		r.propbaser = value
		r.mu.Unlock()
		return nil

	case regmap.GICRINVLPIR:
		lpiID := int(value&0xffffffff) - lpi.FirstLPI
		return r.cfg.PropTable.EnableOne(lpiID)

	case regmap.ICENABLER:
		// An asymmetric mask: only the write path strips the maintenance
		// interrupt bit, so a guest can never disable its own vGIC
		// maintenance PPI. Reads are left untouched.
		value &^= 1 << MaintenanceInterrupt
		return reg.Write(r.env, r.hostAddr(offset), width, value)

	default:
		return reg.Write(r.env, r.hostAddr(offset), width, value)
	}
}
