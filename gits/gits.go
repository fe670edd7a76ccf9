// Virtual ITS device
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gits emulates the GICv3 Interrupt Translation Service
// register page. The root VM's CBASER/DT_BASER/CT_BASER are real
// passthrough plus a shadow copy (the root VM legitimately owns the
// physical ITS's configuration); every other guest only ever sees its
// own shadow copy of those three registers, since this module has
// already repointed the real ITS at its own tables (see Cmdq) and
// a non-root guest's configuration must never reach real hardware.
//
// A guest write to GITS_CWRITER drains its command ring synchronously
// through the shared Cmdq; a guest write to GITS_CREADR is nonsensical
// (CREADR is hardware-owned) and is treated as fatal, aborting the
// hypervisor rather than silently corrupting shadow state.
package gits

import (
	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/reg"
)

// Register offsets within the ITS page.
const (
	offCTRL    hostif.PhysAddr = 0x0000
	offIIDR    hostif.PhysAddr = 0x0004
	offTYPER   hostif.PhysAddr = 0x0008
	offCBASER  hostif.PhysAddr = 0x0080
	offCWRITER hostif.PhysAddr = 0x0088
	offCREADR  hostif.PhysAddr = 0x0090
	offDTBASER hostif.PhysAddr = 0x0100
	offCTBASER hostif.PhysAddr = 0x0108
)

// Config describes one guest's view of the ITS.
type Config struct {
	Base       hostif.PhysAddr // guest-physical address of the GITS page
	Size       uint64
	HostBase   hostif.PhysAddr // host-physical address of the real ITS page
	IsRootGuest bool
}

// shadowRegs is a guest's private view of the registers that a
// non-root guest must never have forwarded to real hardware.
type shadowRegs struct {
	cbaser  uint64
	dtBaser uint64
	ctBaser uint64
	cwriter uint64
	creadr  uint64
}

// Gits emulates one guest's ITS register page.
type Gits struct {
	env  *hostif.Env
	cfg  Config
	cmdq *Cmdq

	regs shadowRegs
}

// New builds a Gits bound to env and registers it.
func New(env *hostif.Env, cfg Config, cmdq *Cmdq) (*Gits, error) {
	g := &Gits{env: env, cfg: cfg, cmdq: cmdq}

	if err := env.Dispatch.Register(g); err != nil {
		return nil, err
	}

	return g, nil
}

// EmuType implements hostif.Device.
func (g *Gits) EmuType() hostif.DeviceKind { return hostif.GICITS }

// AddressRange implements hostif.Device.
func (g *Gits) AddressRange() (hostif.PhysAddr, uint64) { return g.cfg.Base, g.cfg.Size }

func (g *Gits) hostAddr(offset uint64) hostif.PhysAddr {
	return g.cfg.HostBase + hostif.PhysAddr(offset)
}

// HandleRead implements hostif.Device.
func (g *Gits) HandleRead(offset uint64, width int) (uint64, error) {
	switch hostif.PhysAddr(offset) {
	case offCBASER:
		return g.regs.cbaser, nil

	case offDTBASER:
		return g.regs.dtBaser & widthMask(width), nil

	case offCTBASER:
		return g.regs.ctBaser & widthMask(width), nil

	case offCWRITER:
		return g.regs.cwriter, nil

	case offCREADR:
		return g.regs.creadr, nil

	default:
		return reg.Read(g.env, g.hostAddr(offset), width)
	}
}

// HandleWrite implements hostif.Device.
func (g *Gits) HandleWrite(offset uint64, width int, value uint64) error {
	switch hostif.PhysAddr(offset) {
	case offCBASER:
		if g.cfg.IsRootGuest {
			if err := reg.Write(g.env, g.hostAddr(offset), width, value); err != nil {
				return err
			}
		}
		g.regs.cbaser = value
		return nil

	case offDTBASER:
		if g.cfg.IsRootGuest {
			if err := reg.Write(g.env, g.hostAddr(offset), width, value); err != nil {
				return err
			}
		}
		g.regs.dtBaser = value
		return nil

	case offCTBASER:
		if g.cfg.IsRootGuest {
			if err := reg.Write(g.env, g.hostAddr(offset), width, value); err != nil {
				return err
			}
		}
		g.regs.ctBaser = value
		return nil

	case offCWRITER:
		g.regs.cwriter = value

		if value != g.regs.creadr {
			newReadr, err := g.cmdq.Drain(g.regs.cbaser, g.regs.creadr, value)
			if err != nil {
				return err
			}
			g.regs.creadr = newReadr
		}

		return nil

	case offCREADR:
		g.env.AbortHypervisor("guest wrote GITS_CREADR")
		return &hostif.FatalError{Reason: "guest wrote GITS_CREADR"}

	default:
		return reg.Write(g.env, g.hostAddr(offset), width, value)
	}
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width*8)) - 1
}
