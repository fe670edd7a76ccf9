// Compile-time GIC register maps
// https://github.com/usbarmory/vgic
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package regmap classifies a byte offset into a GICD, GICR, or GITS
// register page into a tagged Register value, falling through equality
// checks before range checks, exactly as the from_addr classifier this
// package is grounded on does it (a single-register/register-family match
// generated from an offset table). Unknown offsets return ErrNotARegister
// so the caller can fall back to a raw passthrough.
//
// Offsets and family sizes are bit-exact with the ARM GIC Architecture
// Specification (both v2 and v3 layouts).
package regmap

import "github.com/usbarmory/vgic/hostif"

// Register tags a single register or register family.
type Register int

const (
	Unknown Register = iota

	CTLR
	TYPER
	IIDR
	TYPER2
	Identity // PIDR/CIDR windows

	IGROUPR
	ISENABLER
	ICENABLER
	ISPENDR
	ICPENDR
	ISACTIVER
	ICACTIVER
	IPRIORITYR
	ITARGETSR
	ICFGR
	IROUTER
	IGRPMODR
	NSACR
	SGIR
	CPENDSGIR
	SPENDSGIR

	GICRCTLR
	GICRIIDR
	GICRTYPER
	GICRSTATUSR
	GICRWAKER
	GICRSETLPIR
	GICRCLRLPIR
	GICRPROPBASER
	GICRPENDBASER
	GICRINVLPIR
	GICRINVALLR
	GICRSYNCR

	GITSCTRL
	GITSIIDR
	GITSTYPER
	GITSCBASER
	GITSCWRITER
	GITSCREADR
	GITSDTBASER
	GITSCTBASER
)

// Version selects which GIC architecture revision's layout a classifier
// applies: one implementation, version chosen at construction.
type Version int

const (
	V2 Version = iota
	V3
)

// Match is the result of classifying an offset. For a bit-field family
// (ISENABLER, ICFGR, IPRIORITYR, ...) FirstIRQ and BitsPerIRQ describe which
// IRQs the access touches; for an indexed-by-IRQ family (ITARGETSR,
// IROUTER) IRQIndex gives the single IRQ the access targets.
type Match struct {
	Reg        Register
	FirstIRQ   int
	BitsPerIRQ int
	IRQIndex   int
}

// GICD singles (identical offset in v2 and v3).
const (
	GICD_CTLR  hostif.PhysAddr = 0x0000
	GICD_TYPER hostif.PhysAddr = 0x0004
	GICD_IIDR  hostif.PhysAddr = 0x0008
	// GICD_TYPER2 only exists architecturally in v3; ClassifyGICD
	// recognizes it for V3 only.
	GICD_TYPER2 hostif.PhysAddr = 0x000c
)

// GICD register families.
const (
	GICD_IGROUPR    hostif.PhysAddr = 0x0080
	GICD_ISENABLER  hostif.PhysAddr = 0x0100
	GICD_ICENABLER  hostif.PhysAddr = 0x0180
	GICD_ISPENDR    hostif.PhysAddr = 0x0200
	GICD_ICPENDR    hostif.PhysAddr = 0x0280
	GICD_ISACTIVER  hostif.PhysAddr = 0x0300
	GICD_ICACTIVER  hostif.PhysAddr = 0x0380
	GICD_IPRIORITYR hostif.PhysAddr = 0x0400
	GICD_ITARGETSR  hostif.PhysAddr = 0x0800
	GICD_ICFGR      hostif.PhysAddr = 0x0c00
	GICD_IGRPMODR   hostif.PhysAddr = 0x0d00
	GICD_NSACR      hostif.PhysAddr = 0x0e00
	GICD_SGIR       hostif.PhysAddr = 0x0f00
	GICD_CPENDSGIR  hostif.PhysAddr = 0x0f10
	GICD_SPENDSGIR  hostif.PhysAddr = 0x0f20
	GICD_IROUTER    hostif.PhysAddr = 0x6000

	GICD_PIDR_CIDR_V2 hostif.PhysAddr = 0x0fe0
	GICDV3_PIDR4      hostif.PhysAddr = 0xffd0
	GICDV3_PIDR0      hostif.PhysAddr = 0xffe0
	GICDV3_CIDR0      hostif.PhysAddr = 0xfff0
)

type family struct {
	reg        Register
	base       hostif.PhysAddr
	lenBytes   uint64
	bitsPerIRQ int // 0 for indexed-by-IRQ families
	strideByte int // bytes per IRQ entry, only for indexed-by-IRQ families
}

var gicdBitFamiliesCommon = []family{
	{IGROUPR, GICD_IGROUPR, 32 * 4, 1, 0},
	{ISENABLER, GICD_ISENABLER, 32 * 4, 1, 0},
	{ICENABLER, GICD_ICENABLER, 32 * 4, 1, 0},
	{ISPENDR, GICD_ISPENDR, 32 * 4, 1, 0},
	{ICPENDR, GICD_ICPENDR, 32 * 4, 1, 0},
	{ISACTIVER, GICD_ISACTIVER, 32 * 4, 1, 0},
	{ICACTIVER, GICD_ICACTIVER, 32 * 4, 1, 0},
	{IPRIORITYR, GICD_IPRIORITYR, 256 * 4, 8, 0},
	{ICFGR, GICD_ICFGR, 64 * 4, 2, 0},
	{NSACR, GICD_NSACR, 64 * 4, 2, 0},
	{CPENDSGIR, GICD_CPENDSGIR, 4 * 4, 8, 0},
	{SPENDSGIR, GICD_SPENDSGIR, 4 * 4, 8, 0},
}

var gicdIndexedV2 = family{ITARGETSR, GICD_ITARGETSR, 1024, 0, 1}
var gicdIndexedV3 = family{IROUTER, GICD_IROUTER, 1024 * 8, 0, 8}
var gicdIGRPMODR = family{IGRPMODR, GICD_IGRPMODR, 32 * 4, 1, 0}

// ClassifyGICD classifies a byte offset into the Distributor register page
// for the given GIC version.
func ClassifyGICD(offset hostif.PhysAddr, version Version) (Match, error) {
	switch offset {
	case GICD_CTLR:
		return Match{Reg: CTLR}, nil
	case GICD_TYPER:
		return Match{Reg: TYPER}, nil
	case GICD_IIDR:
		return Match{Reg: IIDR}, nil
	case GICD_TYPER2:
		if version == V3 {
			return Match{Reg: TYPER2}, nil
		}
	case GICD_SGIR:
		return Match{Reg: SGIR}, nil
	}

	if version == V2 && inRange(offset, GICD_PIDR_CIDR_V2, 0x20) {
		return Match{Reg: Identity}, nil
	}
	if version == V3 {
		if inRange(offset, GICDV3_PIDR4, 0x10) || inRange(offset, GICDV3_PIDR0, 0x10) || inRange(offset, GICDV3_CIDR0, 0x10) {
			return Match{Reg: Identity}, nil
		}
	}

	families := gicdBitFamiliesCommon
	if version == V3 {
		families = append(append([]family{}, families...), gicdIGRPMODR)
	}

	for _, f := range families {
		if m, ok := matchBitFamily(offset, f); ok {
			return m, nil
		}
	}

	if version == V2 {
		if m, ok := matchIndexedFamily(offset, gicdIndexedV2, ITARGETSR); ok {
			return m, nil
		}
	} else {
		if m, ok := matchIndexedFamily(offset, gicdIndexedV3, IROUTER); ok {
			return m, nil
		}
	}

	return Match{}, hostif.ErrNotARegister
}

// GICR offsets, relative to the start of a per-vCPU Redistributor frame
// (RD_BASE at 0, the SGI/PPI private bank at GICR_SGI_BASE).
const (
	GICR_CTLR     hostif.PhysAddr = 0x0000
	GICR_IIDR     hostif.PhysAddr = 0x0004
	GICR_TYPER    hostif.PhysAddr = 0x0008
	GICR_STATUSR  hostif.PhysAddr = 0x0010
	GICR_WAKER    hostif.PhysAddr = 0x0014
	GICR_SETLPIR  hostif.PhysAddr = 0x0040
	GICR_CLRLPIR  hostif.PhysAddr = 0x0048
	GICR_PROPBASER hostif.PhysAddr = 0x0070
	GICR_PENDBASER hostif.PhysAddr = 0x0078
	GICR_INVLPIR  hostif.PhysAddr = 0x00a0
	GICR_INVALLR  hostif.PhysAddr = 0x00b0
	GICR_SYNCR    hostif.PhysAddr = 0x00c0

	GICR_IMPL_DEF_START hostif.PhysAddr = 0xffd0
	GICR_IMPL_DEF_END   hostif.PhysAddr = 0xfffc

	GICR_SGI_BASE hostif.PhysAddr = 0x10000

	GICR_IGROUPR   = GICR_SGI_BASE + GICD_IGROUPR
	GICR_ISENABLER = GICR_SGI_BASE + GICD_ISENABLER
	GICR_ICENABLER = GICR_SGI_BASE + GICD_ICENABLER
	GICR_ISPENDR   = GICR_SGI_BASE + GICD_ISPENDR
	GICR_ICPENDR   = GICR_SGI_BASE + GICD_ICPENDR
	GICR_ISACTIVER = GICR_SGI_BASE + GICD_ISACTIVER
	GICR_ICACTIVER = GICR_SGI_BASE + GICD_ICACTIVER
	GICR_IPRIORITYR = GICR_SGI_BASE + GICD_IPRIORITYR
	GICR_ICFGR     = GICR_SGI_BASE + GICD_ICFGR
	GICR_IGRPMODR  = GICR_SGI_BASE + GICD_IGRPMODR
)

var gicrBitFamilies = []family{
	{IGROUPR, GICR_IGROUPR, 4, 1, 0},
	{ISENABLER, GICR_ISENABLER, 4, 1, 0},
	{ICENABLER, GICR_ICENABLER, 4, 1, 0},
	{ISPENDR, GICR_ISPENDR, 4, 1, 0},
	{ICPENDR, GICR_ICPENDR, 4, 1, 0},
	{ISACTIVER, GICR_ISACTIVER, 4, 1, 0},
	{ICACTIVER, GICR_ICACTIVER, 4, 1, 0},
	{IPRIORITYR, GICR_IPRIORITYR, 8 * 4, 8, 0},
	{ICFGR, GICR_ICFGR, 2 * 4, 2, 0},
	{IGRPMODR, GICR_IGRPMODR, 4, 1, 0},
}

// ClassifyGICR classifies a byte offset into a Redistributor frame.
func ClassifyGICR(offset hostif.PhysAddr) (Match, error) {
	switch offset {
	case GICR_CTLR:
		return Match{Reg: GICRCTLR}, nil
	case GICR_IIDR:
		return Match{Reg: GICRIIDR}, nil
	case GICR_TYPER:
		return Match{Reg: GICRTYPER}, nil
	case GICR_STATUSR:
		return Match{Reg: GICRSTATUSR}, nil
	case GICR_WAKER:
		return Match{Reg: GICRWAKER}, nil
	case GICR_SETLPIR:
		return Match{Reg: GICRSETLPIR}, nil
	case GICR_CLRLPIR:
		return Match{Reg: GICRCLRLPIR}, nil
	case GICR_PROPBASER:
		return Match{Reg: GICRPROPBASER}, nil
	case GICR_PENDBASER:
		return Match{Reg: GICRPENDBASER}, nil
	case GICR_INVLPIR:
		return Match{Reg: GICRINVLPIR}, nil
	case GICR_INVALLR:
		return Match{Reg: GICRINVALLR}, nil
	case GICR_SYNCR:
		return Match{Reg: GICRSYNCR}, nil
	}

	if inRange(offset, GICR_IMPL_DEF_START, uint64(GICR_IMPL_DEF_END-GICR_IMPL_DEF_START)) {
		return Match{Reg: Identity}, nil
	}

	for _, f := range gicrBitFamilies {
		if m, ok := matchBitFamily(offset, f); ok {
			return m, nil
		}
	}

	return Match{}, hostif.ErrNotARegister
}

// GITS offsets.
const (
	GITS_CTRL    hostif.PhysAddr = 0x0000
	GITS_IIDR    hostif.PhysAddr = 0x0004
	GITS_TYPER   hostif.PhysAddr = 0x0008
	GITS_CBASER  hostif.PhysAddr = 0x0080
	GITS_CWRITER hostif.PhysAddr = 0x0088
	GITS_CREADR  hostif.PhysAddr = 0x0090
	GITS_BASER   hostif.PhysAddr = 0x0100
	GITS_DT_BASER = GITS_BASER
	GITS_CT_BASER = GITS_BASER + 0x8
)

// ClassifyGITS classifies a byte offset into the ITS register page.
func ClassifyGITS(offset hostif.PhysAddr) (Match, error) {
	switch offset {
	case GITS_CTRL:
		return Match{Reg: GITSCTRL}, nil
	case GITS_IIDR:
		return Match{Reg: GITSIIDR}, nil
	case GITS_TYPER:
		return Match{Reg: GITSTYPER}, nil
	case GITS_CBASER:
		return Match{Reg: GITSCBASER}, nil
	case GITS_CWRITER:
		return Match{Reg: GITSCWRITER}, nil
	case GITS_CREADR:
		return Match{Reg: GITSCREADR}, nil
	case GITS_DT_BASER:
		return Match{Reg: GITSDTBASER}, nil
	case GITS_CT_BASER:
		return Match{Reg: GITSCTBASER}, nil
	}

	return Match{}, hostif.ErrNotARegister
}

func inRange(offset, base hostif.PhysAddr, lenBytes uint64) bool {
	return offset >= base && uint64(offset-base) < lenBytes
}

// matchBitFamily classifies offset against a bit-field register family:
// the FirstIRQ the covered region starts at is computed from the byte
// offset within the family and the family's bits-per-IRQ, never from a
// shift-derived "(1 << bits_per_irq_shift) - 1" formula — bits-per-IRQ
// is used directly here.
func matchBitFamily(offset hostif.PhysAddr, f family) (Match, bool) {
	if !inRange(offset, f.base, f.lenBytes) {
		return Match{}, false
	}

	regOffset := uint64(offset - f.base)
	irqsPerByte := 8 / f.bitsPerIRQ

	return Match{
		Reg:        f.reg,
		FirstIRQ:   int(regOffset) * irqsPerByte,
		BitsPerIRQ: f.bitsPerIRQ,
	}, true
}

func matchIndexedFamily(offset hostif.PhysAddr, f family, reg Register) (Match, bool) {
	if !inRange(offset, f.base, f.lenBytes) {
		return Match{}, false
	}

	idx := int(uint64(offset-f.base) / uint64(f.strideByte))

	return Match{Reg: reg, IRQIndex: idx}, true
}

// SingleIRQMask returns the all-ones mask covering one IRQ's field in a
// bits-per-IRQ register family: (1<<bitsPerIRQ)-1. Deriving this from a
// shift value instead of bitsPerIRQ directly is a classic off-by-a-few-bits
// bug (an 8-bit priority field would wrongly mask down to 3 bits); this
// formula avoids it.
func SingleIRQMask(bitsPerIRQ int) uint64 {
	return (uint64(1) << uint(bitsPerIRQ)) - 1
}
