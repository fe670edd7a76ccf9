package lpi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/internal/fakehost"
	"github.com/usbarmory/vgic/lpi"
)

func TestNewSizesFromIDBits(t *testing.T) {
	mem := fakehost.NewMemory(0x10000, 0x200000)
	info := &fakehost.Info{Typer: 16 << 19}
	env := &hostif.Env{Mem: mem, Frames: mem, Info: info}

	gicrBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	table, err := lpi.New(env, []hostif.PhysAddr{gicrBase})
	require.NoError(t, err)
	require.NotZero(t, table.Frame())

	propbaser := mem.ReadBytes(gicrBase+0x0070, 8)
	var got uint64
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(propbaser[i])
	}
	require.Equal(t, uint64(table.Frame())|0x78f, got)
}

func TestEnableOneSetsConfigByte(t *testing.T) {
	mem := fakehost.NewMemory(0x10000, 0x200000)
	info := &fakehost.Info{Typer: 16 << 19}
	env := &hostif.Env{Mem: mem, Frames: mem, Info: info}

	gicrBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	table, err := lpi.New(env, []hostif.PhysAddr{gicrBase})
	require.NoError(t, err)

	require.NoError(t, table.EnableOne(12))

	b, err := table.ByteAt(12)
	require.NoError(t, err)
	require.Equal(t, byte(1), b)

	b, err = table.ByteAt(13)
	require.NoError(t, err)
	require.Equal(t, byte(0), b)
}
