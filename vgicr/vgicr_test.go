package vgicr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/internal/fakehost"
	"github.com/usbarmory/vgic/lpi"
	"github.com/usbarmory/vgic/reg"
	"github.com/usbarmory/vgic/regmap"
	"github.com/usbarmory/vgic/vgicr"
)

// newEnv returns a fresh environment and n 128KiB host-physical regions
// reserved through the allocator for use as fake Redistributor register
// frames, so they never collide with whatever the LPI property table
// itself allocates out of the same pool.
func newEnv(t *testing.T, n int) (*hostif.Env, []hostif.PhysAddr) {
	mem := fakehost.NewMemory(0x10000, 0x200000)
	disp := &fakehost.Dispatcher{}
	info := &fakehost.Info{Typer: 16 << 19} // id_bits=16 -> 128Ki interrupt ids, 120Ki of them LPIs

	env := &hostif.Env{
		Mem:      mem,
		Dispatch: disp,
		Info:     info,
		Frames:   mem,
	}

	bases := make([]hostif.PhysAddr, n)
	for i := range bases {
		p, err := mem.AllocContiguousFrames(32, 0)
		require.NoError(t, err)
		bases[i] = p
	}

	return env, bases
}

func TestRedistributorLastBitOnlyOnHighestCPU(t *testing.T) {
	env, bases := newEnv(t, 4)

	table, err := lpi.New(env, bases)
	require.NoError(t, err)

	var rs []*vgicr.Redistributor
	for i, hostBase := range bases {
		require.NoError(t, reg.Write(env, hostBase+regmap.GICR_TYPER, 4, 0))

		r, err := vgicr.New(env, vgicr.Config{
			Base:         hostif.PhysAddr(0x9000000 + i*0x20000),
			Size:         0x20000,
			HostGICRAddr: hostBase,
			CPUID:        i,
			IsLast:       i == 3,
			PropTable:    table,
		})
		require.NoError(t, err)
		rs = append(rs, r)
	}

	for i, r := range rs {
		v, err := r.HandleRead(uint64(regmap.GICR_TYPER), 4)
		require.NoError(t, err)

		last := v&vgicr.GICR_TYPER_LAST != 0
		require.Equal(t, i == 3, last, "cpu %d", i)
	}
}

func TestRedistributorPropbaserIsPureShadow(t *testing.T) {
	env, bases := newEnv(t, 1)

	table, err := lpi.New(env, bases)
	require.NoError(t, err)

	r, err := vgicr.New(env, vgicr.Config{
		Base:         0x9000000,
		Size:         0x20000,
		HostGICRAddr: bases[0],
		CPUID:        0,
		IsLast:       true,
		PropTable:    table,
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleWrite(uint64(regmap.GICR_PROPBASER), 8, 0xabcd))
	v, err := r.HandleRead(uint64(regmap.GICR_PROPBASER), 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0xabcd), v)
}

func TestRedistributorICENABLERMasksMaintenanceBitOnWriteOnly(t *testing.T) {
	env, bases := newEnv(t, 1)

	table, err := lpi.New(env, bases)
	require.NoError(t, err)

	r, err := vgicr.New(env, vgicr.Config{
		Base:         0x9000000,
		Size:         0x20000,
		HostGICRAddr: bases[0],
		CPUID:        0,
		IsLast:       true,
		PropTable:    table,
	})
	require.NoError(t, err)

	all := uint64(0xffffffff)
	require.NoError(t, r.HandleWrite(uint64(regmap.GICR_ICENABLER), 4, all))

	v, err := r.HandleRead(uint64(regmap.GICR_ICENABLER), 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), uint32(v)&(1<<vgicr.MaintenanceInterrupt), "maintenance bit must never be written")
}

func TestRedistributorInvlpirEnablesLPI(t *testing.T) {
	env, bases := newEnv(t, 1)

	table, err := lpi.New(env, bases)
	require.NoError(t, err)

	r, err := vgicr.New(env, vgicr.Config{
		Base:         0x9000000,
		Size:         0x20000,
		HostGICRAddr: bases[0],
		CPUID:        0,
		IsLast:       true,
		PropTable:    table,
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleWrite(uint64(regmap.GICR_INVLPIR), 8, lpi.FirstLPI+5))

	b, err := table.ByteAt(5)
	require.NoError(t, err)
	require.Equal(t, byte(1), b)
}
