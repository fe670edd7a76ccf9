package gits_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/gits"
	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/internal/fakehost"
	"github.com/usbarmory/vgic/lpi"
)

func newEnv(t *testing.T) (*hostif.Env, *fakehost.Memory, hostif.PhysAddr) {
	mem := fakehost.NewMemory(0x10000, 0x400000)
	disp := &fakehost.Dispatcher{}
	info := &fakehost.Info{Typer: 16 << 19}

	env := &hostif.Env{
		Mem:      mem,
		Dispatch: disp,
		Info:     info,
		Frames:   mem,
		Abort:    func(string) {},
	}

	itsBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	return env, mem, itsBase
}

func writeCmd(mem *fakehost.Memory, addr hostif.PhysAddr, cmd [4]uint64) {
	ptr, _ := mem.PhysToVirt(addr)
	*(*[4]uint64)(unsafe.Pointer(ptr)) = cmd
}

// setCREADR pokes the fake "real" GITS_CREADR register directly, mimicking
// hardware having consumed the command queue.
func setCREADR(env *hostif.Env, itsBase hostif.PhysAddr, val uint64) error {
	ptr, err := env.Mem.PhysToVirt(itsBase + 0x0090)
	if err != nil {
		return err
	}
	*(*uint64)(unsafe.Pointer(ptr)) = val
	return nil
}

func TestCWRITERDrainDispatchesMAPI(t *testing.T) {
	env, mem, itsBase := newEnv(t)

	gicrBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	table, err := lpi.New(env, []hostif.PhysAddr{gicrBase})
	require.NoError(t, err)

	cmdq, err := gits.NewCmdq(env, itsBase, table)
	require.NoError(t, err)

	g, err := gits.New(env, gits.Config{
		Base:        0x8080000,
		Size:        0x20000,
		HostBase:    itsBase,
		IsRootGuest: false,
	}, cmdq)
	require.NoError(t, err)

	guestRing, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)

	// MAPI: opcode 0x0b in word0, event (lpi offset 9000-8192=808 here
	// represented as raw intid 9000) in the low 32 bits of word1
	writeCmd(mem, guestRing, [4]uint64{0x0b, 9000, 0, 0})

	// Drain spins until the real GITS_CREADR catches up to the value it
	// writes to the real GITS_CWRITER; there is no real ITS behind this
	// test's fake memory to advance it on its own, so pre-seed it with
	// the single value Drain will compute for one queued command.
	require.NoError(t, setCREADR(env, itsBase, gits.BytesPerCmd))

	require.NoError(t, g.HandleWrite(0x0080, 8, uint64(guestRing))) // CBASER
	require.NoError(t, g.HandleWrite(0x0088, 8, gits.BytesPerCmd))  // CWRITER: one command

	b, err := table.ByteAt(9000 - lpi.FirstLPI)
	require.NoError(t, err)
	require.Equal(t, byte(1), b, "MAPI command must enable its target LPI")
}

func TestCREADRWriteIsFatal(t *testing.T) {
	env, mem, itsBase := newEnv(t)

	gicrBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	table, err := lpi.New(env, []hostif.PhysAddr{gicrBase})
	require.NoError(t, err)

	cmdq, err := gits.NewCmdq(env, itsBase, table)
	require.NoError(t, err)

	g, err := gits.New(env, gits.Config{
		Base:     0x8080000,
		Size:     0x20000,
		HostBase: itsBase,
	}, cmdq)
	require.NoError(t, err)

	var aborted bool
	env.Abort = func(string) { aborted = true }

	err = g.HandleWrite(0x0090, 8, 0) // CREADR
	require.Error(t, err)
	require.True(t, aborted)
}

func TestRootGuestDTBaserShadowedAndForwardedToHardware(t *testing.T) {
	env, mem, itsBase := newEnv(t)

	gicrBase, err := mem.AllocContiguousFrames(1, 0)
	require.NoError(t, err)
	table, err := lpi.New(env, []hostif.PhysAddr{gicrBase})
	require.NoError(t, err)

	cmdq, err := gits.NewCmdq(env, itsBase, table)
	require.NoError(t, err)

	g, err := gits.New(env, gits.Config{
		Base:        0x8080000,
		Size:        0x20000,
		HostBase:    itsBase,
		IsRootGuest: true,
	}, cmdq)
	require.NoError(t, err)

	require.NoError(t, g.HandleWrite(0x0100, 8, 0xff)) // DT_BASER

	ptr, err := mem.PhysToVirt(itsBase + 0x0100)
	require.NoError(t, err)
	require.Equal(t, uint64(0xff), *(*uint64)(unsafe.Pointer(ptr)))

	v, err := g.HandleRead(0x0100, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0xff), v, "a root guest's own readback must see its shadow, not go stale")
}
