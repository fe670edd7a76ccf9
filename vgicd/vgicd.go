// Virtual Distributor emulation
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vgicd emulates the GIC Distributor register page for a guest,
// the trap-and-emulate core this module is built around (§4). Every
// guest access is classified by package regmap and handled by one of
// three policies:
//
//   - raw passthrough: GICD_CTLR and the read-only identification
//     registers, read from the real Distributor unmodified (guest writes
//     to them are ignored), and any offset regmap does not recognize.
//   - ownership-masked passthrough: bit-field families (ISENABLER,
//     ICFGR, IPRIORITYR, ...) and per-IRQ indexed families (ITARGETSR,
//     IROUTER), forwarded to the real Distributor but with bits outside
//     the guest's assigned SPI set masked to zero on read and dropped
//     on write.
//   - pure shadow: GICD_TYPER, rewritten entirely in software to present
//     a virtual topology instead of the host's.
//
// One Distributor instance shadows one physical GICD page; its
// AssignIRQ method is the privileged operation that grants a guest
// ownership of an SPI, grounded on the assigned_irqs bitmap of the
// vgicdv3.rs reference this package generalizes to both GIC versions.
package vgicd

import (
	"sync"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/irq"
	"github.com/usbarmory/vgic/reg"
	"github.com/usbarmory/vgic/regmap"
)

// distLocks serializes read-modify-write accesses to a given physical
// Distributor across every guest shadowing it, keyed by host GICD base.
// Poke-style families (ISENABLER/ICENABLER/ISPENDR/ICPENDR/ISACTIVER/
// ICACTIVER) bypass this lock: a guest setting or clearing a bit with a
// 1-write is idempotent and safe without serialization.
var distLocks sync.Map // hostif.PhysAddr -> *sync.Mutex

func lockFor(base hostif.PhysAddr) *sync.Mutex {
	v, _ := distLocks.LoadOrStore(base, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Config describes one virtual Distributor.
type Config struct {
	Version      regmap.Version
	Base         hostif.PhysAddr // guest-physical address of the GICD page
	Size         uint64
	HostGICDAddr hostif.PhysAddr // host-physical address of the real GICD page
	VCPUNum      int             // number of vCPUs, rewritten into shadow TYPER
}

// Distributor emulates one guest's view of the Distributor.
type Distributor struct {
	env *hostif.Env
	cfg Config

	assigned    irq.Bitmap
	descriptors map[int]*irq.Descriptor
	descMu      sync.Mutex
	lock        *sync.Mutex
}

// Affinity is the ARM GICv3 routing affinity of a target vCPU's host PE,
// the four fields GICD_IROUTER packs as Aff2:Aff1:Aff0 in bits [23:0] and
// Aff3 in bits [39:32].
type Affinity struct {
	Aff3, Aff2, Aff1, Aff0 uint8
}

// irouterShift is the bit position of GICD_IROUTER's routing mode bit
// (IRM): when set, the interrupt may be handled by any PE participating
// in its affinity routing rather than exactly the one named by Aff3:2:1:0.
const irouterShift = 31

// New builds a Distributor bound to env and registers it with env.Dispatch.
func New(env *hostif.Env, cfg Config) (*Distributor, error) {
	d := &Distributor{
		env:  env,
		cfg:  cfg,
		lock: lockFor(cfg.HostGICDAddr),
	}

	if err := env.Dispatch.Register(d); err != nil {
		return nil, err
	}

	return d, nil
}

// EmuType implements hostif.Device.
func (d *Distributor) EmuType() hostif.DeviceKind { return hostif.InterruptController }

// AddressRange implements hostif.Device.
func (d *Distributor) AddressRange() (hostif.PhysAddr, uint64) { return d.cfg.Base, d.cfg.Size }

// AssignIRQ grants the guest ownership of SPI id and physically routes it
// by writing the real Distributor's GICD_ITARGETSR[id] (v2, the one-byte
// CPU bitmask 1<<targetCPUPhys) or GICD_IROUTER[id] (v3, targetAffinity
// with the routing mode bit set), grounded on assign_irq in
// original_source/src/v3/vgicd.rs. It panics if id is not in the SPI
// range, per §3: ownership and routing are only ever meaningful for SPIs.
func (d *Distributor) AssignIRQ(id int, targetCPUPhys int, targetAffinity Affinity) error {
	if irq.ClassifyID(id) != irq.SPI {
		panic("vgicd: AssignIRQ called with a non-SPI id")
	}
	d.assigned.Set(id)

	desc := d.descriptorFor(id)
	desc.TargetVCPU = uint32(targetCPUPhys)

	switch d.cfg.Version {
	case regmap.V2:
		addr := d.cfg.HostGICDAddr + regmap.GICD_ITARGETSR + hostif.PhysAddr(id)
		return reg.Write(d.env, addr, 1, uint64(1)<<uint(targetCPUPhys))

	default:
		addr := d.cfg.HostGICDAddr + regmap.GICD_IROUTER + hostif.PhysAddr(id)*8
		val := uint64(targetAffinity.Aff3)<<32 |
			uint64(1)<<irouterShift |
			uint64(targetAffinity.Aff2)<<16 |
			uint64(targetAffinity.Aff1)<<8 |
			uint64(targetAffinity.Aff0)
		return reg.Write(d.env, addr, 8, val)
	}
}

// RevokeIRQ withdraws ownership of SPI id from the guest.
func (d *Distributor) RevokeIRQ(id int) {
	d.assigned.Clear(id)
}

// descriptorFor returns the Descriptor tracking id, allocating it on
// first use.
func (d *Distributor) descriptorFor(id int) *irq.Descriptor {
	d.descMu.Lock()
	defer d.descMu.Unlock()

	if d.descriptors == nil {
		d.descriptors = map[int]*irq.Descriptor{}
	}
	desc, ok := d.descriptors[id]
	if !ok {
		desc = irq.NewDescriptor(id)
		d.descriptors[id] = desc
	}
	return desc
}

func (d *Distributor) isSPIAssigned(id int) bool {
	return irq.ClassifyID(id) == irq.SPI && d.assigned.Contains(id)
}

// HandleRead implements hostif.Device.
func (d *Distributor) HandleRead(offset uint64, width int) (uint64, error) {
	m, err := regmap.ClassifyGICD(hostif.PhysAddr(offset), d.cfg.Version)
	if err != nil {
		return reg.Read(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width)
	}

	switch m.Reg {
	case regmap.TYPER:
		return uint64(d.shadowTyper()), nil

	case regmap.CTLR, regmap.IIDR, regmap.TYPER2, regmap.Identity:
		return reg.Read(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width)

	case regmap.ITARGETSR, regmap.IROUTER:
		if d.isSPIAssigned(m.IRQIndex) {
			return reg.Read(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width)
		}
		return 0, nil

	case regmap.ISENABLER, regmap.ICENABLER, regmap.ISPENDR, regmap.ICPENDR,
		regmap.ISACTIVER, regmap.ICACTIVER, regmap.IGROUPR, regmap.ICFGR,
		regmap.IPRIORITYR, regmap.IGRPMODR, regmap.NSACR, regmap.CPENDSGIR, regmap.SPENDSGIR:
		return d.maskedRead(offset, width, m)

	default:
		return 0, nil
	}
}

// HandleWrite implements hostif.Device.
func (d *Distributor) HandleWrite(offset uint64, width int, value uint64) error {
	m, err := regmap.ClassifyGICD(hostif.PhysAddr(offset), d.cfg.Version)
	if err != nil {
		return reg.Write(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width, value)
	}

	switch m.Reg {
	case regmap.CTLR, regmap.TYPER, regmap.IIDR, regmap.TYPER2, regmap.Identity:
		// read-only: ignore
		return nil

	case regmap.ITARGETSR, regmap.IROUTER:
		if d.isSPIAssigned(m.IRQIndex) {
			return reg.Write(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width, value)
		}
		return nil

	case regmap.ISENABLER, regmap.ICENABLER, regmap.ISPENDR, regmap.ICPENDR,
		regmap.ISACTIVER, regmap.ICACTIVER:
		return d.maskedWrite(offset, width, m, value, true)

	case regmap.IGROUPR, regmap.ICFGR, regmap.IPRIORITYR, regmap.IGRPMODR,
		regmap.NSACR, regmap.CPENDSGIR, regmap.SPENDSGIR:
		return d.maskedWrite(offset, width, m, value, false)

	default:
		return nil
	}
}

// GICD_TYPER bit layout common to v2 and v3 (ARM GIC Architecture
// Specification): bits[4:0] ITLinesNumber, bits[7:5] CPUNumber,
// bit[10] SecurityExtn.
const (
	typerCPUNumberShift  = 5
	typerCPUNumberMask   = 0x7
	typerSecurityExtnBit = 1 << 10
)

// shadowTyper presents a virtual topology to the guest: the CPUNumber
// field is rewritten to the guest's own vCPU count instead of the host's
// physical CPU count, and SecurityExtn is always cleared since this
// module never exposes the Secure world to a guest.
func (d *Distributor) shadowTyper() uint32 {
	v := d.env.Info.VGICDTyper()

	v &^= typerCPUNumberMask << typerCPUNumberShift
	cpuNum := d.cfg.VCPUNum - 1
	if cpuNum < 0 {
		cpuNum = 0
	}
	v |= (uint32(cpuNum) & typerCPUNumberMask) << typerCPUNumberShift

	v &^= typerSecurityExtnBit

	return v
}

// accessMask builds the mask of bits, within one access of the given
// width starting at m.FirstIRQ, that belong to an IRQ the guest owns.
// Uses regmap.SingleIRQMask(bitsPerIRQ) directly rather than deriving it
// from a bit shift, avoiding the truncated-priority-mask defect this
// logic is generalized away from.
func (d *Distributor) accessMask(width int, m regmap.Match) uint64 {
	irqsInAccess := (width * 8) / m.BitsPerIRQ
	single := regmap.SingleIRQMask(m.BitsPerIRQ)

	var mask uint64
	for i := 0; i < irqsInAccess; i++ {
		if d.isSPIAssigned(m.FirstIRQ + i) {
			mask |= single << uint(i*m.BitsPerIRQ)
		}
	}

	return mask
}

func (d *Distributor) maskedRead(offset uint64, width int, m regmap.Match) (uint64, error) {
	v, err := reg.Read(d.env, d.cfg.HostGICDAddr+hostif.PhysAddr(offset), width)
	if err != nil {
		return 0, err
	}
	return v & d.accessMask(width, m), nil
}

func (d *Distributor) maskedWrite(offset uint64, width int, m regmap.Match, value uint64, poke bool) error {
	mask := d.accessMask(width, m)
	addr := d.cfg.HostGICDAddr + hostif.PhysAddr(offset)

	if poke {
		return reg.Write(d.env, addr, width, value&mask)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	cur, err := reg.Read(d.env, addr, width)
	if err != nil {
		return err
	}

	return reg.Write(d.env, addr, width, (cur&^mask)|(value&mask))
}
