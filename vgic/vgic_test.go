package vgic_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/internal/fakehost"
	"github.com/usbarmory/vgic/regmap"
	"github.com/usbarmory/vgic/vgic"
	"github.com/usbarmory/vgic/vgicd"
	"github.com/usbarmory/vgic/vtimer"
)

func TestNewWiresV3ControllerWithITSAndTimer(t *testing.T) {
	mem := fakehost.NewMemory(0x10000, 0x400000)
	disp := &fakehost.Dispatcher{}
	info := &fakehost.Info{Typer: 16 << 19}
	timers := fakehost.NewTimers(0)
	interrupts := &fakehost.Interrupts{}

	env := &hostif.Env{
		Mem:        mem,
		Dispatch:   disp,
		Info:       info,
		Frames:     mem,
		Timers:     timers,
		Interrupts: interrupts,
	}

	hostGICD, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	hostGICR0, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	hostGICR1, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	hostITS, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	cfg := vgic.Config{
		Version:      regmap.V3,
		GICDBase:     0x8000000,
		GICDSize:     0x10000,
		HostGICDAddr: hostGICD,
		VCPUNum:      2,
		Redistributors: []vgic.RedistributorConfig{
			{Base: 0x8010000, Size: 0x20000, HostGICRAddr: hostGICR0},
			{Base: 0x8030000, Size: 0x20000, HostGICRAddr: hostGICR1},
		},
		GICRHostBases: []hostif.PhysAddr{hostGICR0, hostGICR1},
		ITS: &vgic.ITSConfig{
			Base:     0x8080000,
			Size:     0x20000,
			HostBase: hostITS,
		},
		Timer: &vgic.TimerConfig{
			CtlID:  vtimer.CNTP_CTL_EL0,
			TValID: vtimer.CNTP_TVAL_EL0,
			PctID:  vtimer.CNTPCT_EL0,
		},
	}

	c, err := vgic.New(env, cfg)
	require.NoError(t, err)

	require.NotNil(t, c.Distributor)
	require.Len(t, c.Redistributors, 2)
	require.NotNil(t, c.LpiTable)
	require.NotNil(t, c.ITS)
	require.NotNil(t, c.TimerCtl)

	require.Len(t, disp.Devices, 2 /* redist */ +1 /* dist */ +1 /* its */ +3 /* timer regs */)

	require.NoError(t, c.AssignIRQ(100, 1, vgicd.Affinity{Aff0: 1}))
	c.RevokeIRQ(100)
}

func TestNewV2SkipsV3OnlyDevices(t *testing.T) {
	mem := fakehost.NewMemory(0x10000, 0x100000)
	disp := &fakehost.Dispatcher{}
	info := &fakehost.Info{}

	env := &hostif.Env{Mem: mem, Dispatch: disp, Info: info, Frames: mem}

	hostGICD, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	cfg := vgic.Config{
		Version:      regmap.V2,
		GICDBase:     0x8000000,
		GICDSize:     0x10000,
		HostGICDAddr: hostGICD,
		VCPUNum:      4,
	}

	c, err := vgic.New(env, cfg)
	require.NoError(t, err)

	require.NotNil(t, c.Distributor)
	require.Nil(t, c.LpiTable)
	require.Nil(t, c.ITS)
	require.Len(t, disp.Devices, 1)

	v, err := c.Distributor.HandleRead(uint64(regmap.GICD_TYPER), 4)
	require.NoError(t, err)
	require.Equal(t, uint32(3), (uint32(v)>>5)&0x7, "CPUNumber must reflect VCPUNum even without Redistributors (v2)")
}
