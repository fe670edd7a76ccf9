// Virtual GIC façade
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vgic wires together the Distributor, Redistributors, LPI
// property table, ITS and virtual timer into one guest's interrupt
// controller, the single entry point the rest of this module is
// built around.
package vgic

import (
	"fmt"

	"github.com/usbarmory/vgic/gits"
	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/lpi"
	"github.com/usbarmory/vgic/regmap"
	"github.com/usbarmory/vgic/vgicd"
	"github.com/usbarmory/vgic/vgicr"
	"github.com/usbarmory/vgic/vtimer"
)

// RedistributorConfig describes one vCPU's Redistributor frame.
type RedistributorConfig struct {
	Base         hostif.PhysAddr
	Size         uint64
	HostGICRAddr hostif.PhysAddr
}

// ITSConfig describes the ITS page, present only for GICv3 guests that
// use LPIs.
type ITSConfig struct {
	Base        hostif.PhysAddr
	Size        uint64
	HostBase    hostif.PhysAddr
	IsRootGuest bool
}

// Config describes one guest's entire virtual interrupt controller.
type Config struct {
	Version regmap.Version

	GICDBase     hostif.PhysAddr
	GICDSize     uint64
	HostGICDAddr hostif.PhysAddr

	// VCPUNum is the guest's vCPU count, rewritten into the shadow
	// GICD_TYPER.CPUNumber field (§3). Required for both versions: a
	// GICv2 guest has no Redistributors to infer it from.
	VCPUNum int

	Redistributors []RedistributorConfig

	ITS *ITSConfig

	// GICRHostBases lists the host-physical base of every real
	// Redistributor frame backing this guest's vCPUs, into whose
	// GICR_PROPBASER the shared LPI property table's base is propagated
	// (only when Version is V3).
	GICRHostBases []hostif.PhysAddr

	// Timer, when non-nil, wires in the virtual timer system registers
	// at the given ids.
	Timer *TimerConfig
}

// TimerConfig selects the system-register ids the virtual timer's three
// registers are dispatched at.
type TimerConfig struct {
	CtlID   vtimer.RegID
	TValID  vtimer.RegID
	PctID   vtimer.RegID
}

// Controller is one guest's fully wired virtual GIC.
type Controller struct {
	Distributor    *vgicd.Distributor
	Redistributors []*vgicr.Redistributor
	LpiTable       *lpi.Table
	Cmdq           *gits.Cmdq
	ITS            *gits.Gits
	TimerCtl       *vtimer.CtlReg
	TimerTVal      *vtimer.TValReg
	TimerCntPct    *vtimer.CntPctReg
}

// New builds and registers every device a guest's Config calls for.
func New(env *hostif.Env, cfg Config) (*Controller, error) {
	c := &Controller{}

	dist, err := vgicd.New(env, vgicd.Config{
		Version:      cfg.Version,
		Base:         cfg.GICDBase,
		Size:         cfg.GICDSize,
		HostGICDAddr: cfg.HostGICDAddr,
		VCPUNum:      cfg.VCPUNum,
	})
	if err != nil {
		return nil, fmt.Errorf("vgic: distributor: %w", err)
	}
	c.Distributor = dist

	if cfg.Version == regmap.V3 && len(cfg.Redistributors) > 0 {
		table, err := lpi.New(env, cfg.GICRHostBases)
		if err != nil {
			return nil, fmt.Errorf("vgic: lpi table: %w", err)
		}
		c.LpiTable = table

		last := len(cfg.Redistributors) - 1
		for i, rc := range cfg.Redistributors {
			r, err := vgicr.New(env, vgicr.Config{
				Base:         rc.Base,
				Size:         rc.Size,
				HostGICRAddr: rc.HostGICRAddr,
				CPUID:        i,
				IsLast:       i == last,
				PropTable:    table,
			})
			if err != nil {
				return nil, fmt.Errorf("vgic: redistributor %d: %w", i, err)
			}
			c.Redistributors = append(c.Redistributors, r)
		}

		if cfg.ITS != nil {
			cmdq, err := gits.NewCmdq(env, cfg.ITS.HostBase, table)
			if err != nil {
				return nil, fmt.Errorf("vgic: its command queue: %w", err)
			}
			c.Cmdq = cmdq

			its, err := gits.New(env, gits.Config{
				Base:        cfg.ITS.Base,
				Size:        cfg.ITS.Size,
				HostBase:    cfg.ITS.HostBase,
				IsRootGuest: cfg.ITS.IsRootGuest,
			}, cmdq)
			if err != nil {
				return nil, fmt.Errorf("vgic: its device: %w", err)
			}
			c.ITS = its
		}
	}

	if cfg.Timer != nil {
		ctl, err := vtimer.NewCtlReg(env, cfg.Timer.CtlID)
		if err != nil {
			return nil, fmt.Errorf("vgic: timer ctl: %w", err)
		}
		c.TimerCtl = ctl

		tval, err := vtimer.NewTValReg(env, cfg.Timer.TValID)
		if err != nil {
			return nil, fmt.Errorf("vgic: timer tval: %w", err)
		}
		c.TimerTVal = tval

		pct, err := vtimer.NewCntPctReg(env, cfg.Timer.PctID)
		if err != nil {
			return nil, fmt.Errorf("vgic: timer cntpct: %w", err)
		}
		c.TimerCntPct = pct
	}

	return c, nil
}

// AssignIRQ grants the guest ownership of SPI id and routes it to the
// vCPU whose host PE is targetCPUPhys (used for a GICv2 guest's
// GICD_ITARGETSR write) with routing affinity targetAffinity (used for a
// GICv3 guest's GICD_IROUTER write).
func (c *Controller) AssignIRQ(id int, targetCPUPhys int, targetAffinity vgicd.Affinity) error {
	return c.Distributor.AssignIRQ(id, targetCPUPhys, targetAffinity)
}

// RevokeIRQ withdraws ownership of SPI id from the guest.
func (c *Controller) RevokeIRQ(id int) {
	c.Distributor.RevokeIRQ(id)
}
