package vtimer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/hostif"
	"github.com/usbarmory/vgic/internal/fakehost"
	"github.com/usbarmory/vgic/vtimer"
)

func TestTValArmsDeadlineAndInjectsTimerIRQ(t *testing.T) {
	timers := fakehost.NewTimers(1_000_000_000)
	interrupts := &fakehost.Interrupts{}

	env := &hostif.Env{Timers: timers, Interrupts: interrupts, Dispatch: &fakehost.Dispatcher{}}

	tval, err := vtimer.NewTValReg(env, vtimer.CNTP_TVAL_EL0)
	require.NoError(t, err)

	require.NoError(t, tval.HandleWrite(0, 8, 500_000_000)) // fire in 500ms

	timers.Advance(400 * time.Millisecond)
	require.Empty(t, interrupts.Injected)

	timers.Advance(200 * time.Millisecond)
	require.Equal(t, []uint32{vtimer.TimerIRQ}, interrupts.Injected)
}

func TestCntPctReflectsHostClock(t *testing.T) {
	timers := fakehost.NewTimers(42)
	env := &hostif.Env{Timers: timers, Dispatch: &fakehost.Dispatcher{}}

	r, err := vtimer.NewCntPctReg(env, vtimer.CNTPCT_EL0)
	require.NoError(t, err)

	v, err := r.HandleRead(0, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	require.NoError(t, r.HandleWrite(0, 8, 0xff))
	v, err = r.HandleRead(0, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v, "CNTPCT_EL0 is read-only")
}

func TestCtlRegRecordsEnableBit(t *testing.T) {
	env := &hostif.Env{Dispatch: &fakehost.Dispatcher{}}

	ctl, err := vtimer.NewCtlReg(env, vtimer.CNTP_CTL_EL0)
	require.NoError(t, err)

	require.False(t, ctl.Enabled())
	require.NoError(t, ctl.HandleWrite(0, 4, 1))
	require.True(t, ctl.Enabled())
}
