package irq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/vgic/irq"
)

func TestClassifyID(t *testing.T) {
	cases := []struct {
		id   int
		want irq.Type
	}{
		{0, irq.SGI},
		{15, irq.SGI},
		{16, irq.PPI},
		{31, irq.PPI},
		{32, irq.SPI},
		{1019, irq.SPI},
		{1020, irq.Special},
		{1023, irq.Special},
		{8192, irq.LPI},
		{100000, irq.LPI},
	}

	for _, c := range cases {
		require.Equal(t, c.want, irq.ClassifyID(c.id), "id %d", c.id)
	}
}

func TestNewDescriptorDerivesType(t *testing.T) {
	d := irq.NewDescriptor(40)
	require.Equal(t, irq.SPI, d.Type)
	require.Equal(t, 40, d.ID)
}

func TestBitmapSetClearContains(t *testing.T) {
	var b irq.Bitmap

	require.False(t, b.Contains(40))
	b.Set(40)
	require.True(t, b.Contains(40))
	require.False(t, b.Contains(41))
	b.Clear(40)
	require.False(t, b.Contains(40))
}

func TestBitmapOutOfRange(t *testing.T) {
	var b irq.Bitmap
	require.False(t, b.Contains(-1))
	require.False(t, b.Contains(irq.MaxSPI))
	require.False(t, b.Contains(irq.MaxSPI+1000))
}
