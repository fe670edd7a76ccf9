// ITS command-queue shadowing
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gits

import (
	"sync"
	"unsafe"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/lpi"
	"github.com/usbarmory/vgic/reg"
)

// BytesPerCmd is the fixed size of one ITS command.
const BytesPerCmd = 0x20
const qwordsPerCmd = BytesPerCmd / 8

// ringSize is the size, in bytes, of the host-owned shadow command ring
// and of the dummy device/collection tables: 16 frames of 4KiB each.
const ringSize = 16 * 4096

// ITS command opcodes (ARM GIC Architecture Specification, ITS command
// set), the low byte of the first quadword of every command.
const (
	cmdINT     = 0x03
	cmdCLEAR   = 0x04
	cmdSYNC    = 0x05
	cmdMAPD    = 0x08
	cmdMAPC    = 0x09
	cmdMAPTI   = 0x0a
	cmdMAPI    = 0x0b
	cmdINV     = 0x0c
	cmdINVALL  = 0x0d
	cmdDISCARD = 0x0f
)

// cbaserAttrs are the fixed attribute bits ORed into the shadow ring's
// base address when it is programmed into the real GITS_CBASER: valid
// bit set, InnerShareable, Normal Write-Back Read-Allocate
// Write-Allocate Cacheable, 1 page size encoding, queue size 16-1 pages.
const cbaserAttrs = 0xb80000000000040f

// dtCtBaserAttrs are the attribute bits ORed into the dummy device- and
// collection-table base addresses: valid bit, fully-cacheable
// InnerShareable, 16 4KiB pages.
const dtCtBaserAttrs = (uint64(1) << 63) | (0b111 << 59) | (0b01 << 10) | (16 - 1)

// Cmdq is the process-wide, host-owned ITS command ring every guest's
// GITS_CWRITER write drains into. One Cmdq shadows one real ITS: its
// ring, dummy device table and dummy collection table are allocated
// once and the real ITS has its GITS_CBASER/DT_BASER/CT_BASER programmed
// by this package and by the root guest's passthrough writes, never by a
// non-root guest (see gits.go).
type Cmdq struct {
	env *hostif.Env

	hostBase hostif.PhysAddr
	propTbl  *lpi.Table

	mu     sync.Mutex
	ring   hostif.PhysAddr
	readr  uint64
	writer uint64
}

// cmdqRegistry holds the one Cmdq per (host, physical ITS), mirroring
// the same env-keyed singleton pattern as package lpi's Table: every
// guest that shares a physical ITS must drain through the identical
// ring, never through one allocated per guest.
var (
	cmdqRegistryMu sync.Mutex
	cmdqRegistry   = map[*hostif.Env]map[hostif.PhysAddr]*Cmdq{}
)

// NewCmdq returns the process-wide Cmdq shadowing the physical ITS at
// hostITSBase, allocating the shadow ring and dummy tables and
// reprogramming the real ITS to use them on first call. Subsequent
// calls for the same (env, hostITSBase) pair return the cached
// instance rather than re-initializing hardware that is already
// initialized.
func NewCmdq(env *hostif.Env, hostITSBase hostif.PhysAddr, propTbl *lpi.Table) (*Cmdq, error) {
	cmdqRegistryMu.Lock()
	defer cmdqRegistryMu.Unlock()

	perEnv, ok := cmdqRegistry[env]
	if !ok {
		perEnv = map[hostif.PhysAddr]*Cmdq{}
		cmdqRegistry[env] = perEnv
	}

	if q, ok := perEnv[hostITSBase]; ok {
		return q, nil
	}

	q, err := newCmdq(env, hostITSBase, propTbl)
	if err != nil {
		return nil, err
	}
	perEnv[hostITSBase] = q

	return q, nil
}

func newCmdq(env *hostif.Env, hostITSBase hostif.PhysAddr, propTbl *lpi.Table) (*Cmdq, error) {
	q := &Cmdq{env: env, hostBase: hostITSBase, propTbl: propTbl}

	ring, err := env.Frames.AllocContiguousFrames(16, 0)
	if err != nil {
		return nil, err
	}
	q.ring = ring

	if err := q.initRealCBaser(); err != nil {
		return nil, err
	}
	if err := q.initDummyDTCTBaser(); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *Cmdq) initRealCBaser() error {
	ctl, err := reg.Read(q.env, q.hostBase+offCTRL, 8)
	if err != nil {
		return err
	}
	if err := reg.Write(q.env, q.hostBase+offCTRL, 8, ctl&^1); err != nil {
		return err
	}

	cbaserVal := cbaserAttrs | uint64(q.ring)
	if err := reg.Write(q.env, q.hostBase+offCBASER, 8, cbaserVal); err != nil {
		return err
	}

	return reg.Write(q.env, q.hostBase+offCWRITER, 8, 0)
}

func (q *Cmdq) initDummyDTCTBaser() error {
	dtAddr, err := q.env.Frames.AllocContiguousFrames(16, 4)
	if err != nil {
		return err
	}
	ctAddr, err := q.env.Frames.AllocContiguousFrames(16, 4)
	if err != nil {
		return err
	}

	dt, err := reg.Read(q.env, q.hostBase+offDTBASER, 8)
	if err != nil {
		return err
	}
	ct, err := reg.Read(q.env, q.hostBase+offCTBASER, 8)
	if err != nil {
		return err
	}

	dt |= (uint64(dtAddr) & 0x0000_ffff_ffff_f000) | dtCtBaserAttrs
	ct |= (uint64(ctAddr) & 0x0000_ffff_ffff_f000) | dtCtBaserAttrs

	if err := reg.Write(q.env, q.hostBase+offDTBASER, 8, dt); err != nil {
		return err
	}
	return reg.Write(q.env, q.hostBase+offCTBASER, 8, ct)
}

// ringAdvance wraps a ring-relative byte offset back to 0 once it
// reaches the 64KiB ring size.
func ringAdvance(val uint64) uint64 {
	if val >= ringSize {
		return val - ringSize
	}
	return val
}

// Drain copies every command between guestReadr and guestWriter from the
// guest-owned ring at guestCBaser into the shadow ring, dispatching
// MAPI/MAPTI commands to enable their target LPI as it goes, then
// signals the real ITS and spins until it has consumed every shadowed
// command. It returns the new guest-visible GITS_CREADR value (which
// this module always reports as equal to GITS_CWRITER: the drain is
// fully synchronous).
func (q *Cmdq) Drain(guestCBaser, guestReadr, guestWriter uint64) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	guestRingBase := hostif.PhysAddr(guestCBaser & 0xf_ffff_ffff_f000)
	cmdSize := ringAdvance(guestWriter + ringSize - guestReadr)
	cmdNum := cmdSize / BytesPerCmd

	guestAddr := guestRingBase + hostif.PhysAddr(guestReadr)
	realAddr := q.ring + hostif.PhysAddr(q.readr)

	for i := uint64(0); i < cmdNum; i++ {
		cmd, err := q.readCmd(guestAddr)
		if err != nil {
			return 0, err
		}

		q.dispatch(cmd)

		if err := q.writeCmd(realAddr, cmd); err != nil {
			return 0, err
		}

		guestAddr = guestRingBase + hostif.PhysAddr(ringAdvance(uint64(guestAddr-guestRingBase)+BytesPerCmd))
		realAddr = q.ring + hostif.PhysAddr(ringAdvance(uint64(realAddr-q.ring)+BytesPerCmd))
	}

	q.writer = ringAdvance(q.writer + cmdSize)

	if err := reg.Write(q.env, q.hostBase+offCWRITER, 8, q.writer); err != nil {
		return 0, err
	}

	for {
		readr, err := reg.Read(q.env, q.hostBase+offCREADR, 8)
		if err != nil {
			return 0, err
		}
		q.readr = readr
		if q.readr == q.writer {
			break
		}
	}

	return guestWriter, nil
}

func (q *Cmdq) readCmd(addr hostif.PhysAddr) ([qwordsPerCmd]uint64, error) {
	var cmd [qwordsPerCmd]uint64

	ptr, err := q.env.Mem.PhysToVirt(addr)
	if err != nil {
		return cmd, err
	}
	cmd = *(*[qwordsPerCmd]uint64)(unsafe.Pointer(ptr))

	return cmd, nil
}

func (q *Cmdq) writeCmd(addr hostif.PhysAddr, cmd [qwordsPerCmd]uint64) error {
	for i, word := range cmd {
		if err := reg.Write(q.env, addr+hostif.PhysAddr(i*8), 8, word); err != nil {
			return err
		}
	}
	return nil
}

// dispatch enables the LPI a MAPI or MAPTI command establishes. Every
// other command is shadowed into the ring but otherwise ignored: this
// module tracks no device or collection state of its own, relying
// entirely on the dummy device/collection tables and the real ITS's own
// state machine.
func (q *Cmdq) dispatch(cmd [qwordsPerCmd]uint64) {
	code := cmd[0] & 0xff

	switch code {
	case cmdMAPI:
		// intid is the event id itself for MAPI (ARM GIC Architecture
		// Specification): low 32 bits of the second quadword.
		event := cmd[1] & 0xffffffff
		_ = q.propTbl.EnableOne(int(event) - lpi.FirstLPI)

	case cmdMAPTI:
		// MAPTI carries an explicit intid distinct from the event id, in
		// the high 32 bits of the second quadword.
		intid := cmd[1] >> 32
		_ = q.propTbl.EnableOne(int(intid) - lpi.FirstLPI)
	}
}
