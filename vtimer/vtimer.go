// Virtual timer emulation
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vtimer emulates the AArch64 virtual timer system registers a
// guest uses to arm a one-shot deadline: CNTP_CTL_EL0, CNTP_TVAL_EL0 and
// CNTPCT_EL0. A write to CNTP_TVAL_EL0 schedules a host callback that
// injects the timer PPI when the deadline elapses; CNTPCT_EL0 reads the
// host's free-running counter directly.
package vtimer

import (
	"time"

	"github.com/usbarmory/vgic/hostif"
)

// TimerIRQ is the PPI id the virtual timer fires, matching the generic
// timer's non-secure physical timer interrupt wiring.
const TimerIRQ = 30

// System register ids, used only to place the address window: each
// device claims a single-register range at an id chosen by the caller's
// system-register dispatch table.
type RegID uint64

const (
	CNTP_CTL_EL0  RegID = 0
	CNTP_TVAL_EL0 RegID = 1
	CNTPCT_EL0    RegID = 2
)

// CtlReg emulates CNTP_CTL_EL0. It is a pure shadow: the guest's enable
// and mask bits are recorded here and reported by Enabled, and are not
// forwarded anywhere. TValReg's callback does not consult them: it
// injects TimerIRQ whatever their value.
type CtlReg struct {
	env *hostif.Env
	id  RegID

	value uint64
}

func NewCtlReg(env *hostif.Env, id RegID) (*CtlReg, error) {
	r := &CtlReg{env: env, id: id}
	if err := env.Dispatch.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CtlReg) EmuType() hostif.DeviceKind                { return hostif.SystemReg }
func (r *CtlReg) AddressRange() (hostif.PhysAddr, uint64)   { return hostif.PhysAddr(r.id), 1 }
func (r *CtlReg) HandleRead(offset uint64, width int) (uint64, error) { return r.value, nil }

func (r *CtlReg) HandleWrite(offset uint64, width int, value uint64) error {
	r.value = value
	return nil
}

// Enabled reports the guest's most recent CNTP_CTL_EL0.ENABLE bit.
func (r *CtlReg) Enabled() bool { return r.value&1 != 0 }

// TValReg emulates CNTP_TVAL_EL0: a write arms a one-shot deadline
// TimerValue nanoseconds in the future, relative to the host's clock,
// whose callback injects TimerIRQ into the owning vCPU.
type TValReg struct {
	env *hostif.Env
	id  RegID
}

func NewTValReg(env *hostif.Env, id RegID) (*TValReg, error) {
	r := &TValReg{env: env, id: id}
	if err := env.Dispatch.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TValReg) EmuType() hostif.DeviceKind              { return hostif.SystemReg }
func (r *TValReg) AddressRange() (hostif.PhysAddr, uint64) { return hostif.PhysAddr(r.id), 1 }

func (r *TValReg) HandleRead(offset uint64, width int) (uint64, error) {
	return 0, nil
}

func (r *TValReg) HandleWrite(offset uint64, width int, value uint64) error {
	now := r.env.Timers.NowNanos()
	deadline := time.Unix(0, int64(now+value))

	r.env.Timers.RegisterTimer(deadline, func() {
		r.env.Interrupts.InjectVirtualInterrupt(TimerIRQ)
	})

	return nil
}

// CntPctReg emulates CNTPCT_EL0: a read-only mirror of the host's
// free-running counter.
type CntPctReg struct {
	env *hostif.Env
	id  RegID
}

func NewCntPctReg(env *hostif.Env, id RegID) (*CntPctReg, error) {
	r := &CntPctReg{env: env, id: id}
	if err := env.Dispatch.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CntPctReg) EmuType() hostif.DeviceKind              { return hostif.SystemReg }
func (r *CntPctReg) AddressRange() (hostif.PhysAddr, uint64) { return hostif.PhysAddr(r.id), 1 }

func (r *CntPctReg) HandleRead(offset uint64, width int) (uint64, error) {
	return r.env.Timers.NowNanos(), nil
}

func (r *CntPctReg) HandleWrite(offset uint64, width int, value uint64) error {
	// read-only: ignore
	return nil
}
