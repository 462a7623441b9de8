package iodev_test

import (
	"testing"

	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/iodev"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACPIShutDown(t *testing.T) {
	t.Parallel()

	log, hook := test.NewNullLogger()

	var shutdown, reboot int

	d := iodev.NewACPIShutDownDevice(func() { shutdown++ }, func() { reboot++ }, log)

	for _, test := range []struct {
		name     string
		value    byte
		shutdown int
		reboot   int
	}{
		{"S5", 5<<2 | 1<<5, 1, 0},
		{"Reset", 1, 1, 1},
		{"Other", 0x42, 1, 1},
	} {
		require.NoError(t, d.Write(iodev.ACPIShutDownDevPort, 0, []byte{test.value}), test.name)
		assert.Equal(t, test.shutdown, shutdown, test.name)
		assert.Equal(t, test.reboot, reboot, test.name)
	}

	assert.Len(t, hook.AllEntries(), 2)

	data := []byte{0xff}
	require.NoError(t, d.Read(iodev.ACPIShutDownDevPort, 0, data))
	assert.Equal(t, byte(0), data[0])
}

func TestPostCode(t *testing.T) {
	t.Parallel()

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	d := iodev.NewPostCodeDevice(log)

	require.NoError(t, d.Write(iodev.PostCodePort, 0, []byte{0x42}))
	assert.Equal(t, byte(0x42), hook.LastEntry().Data["code"])
	assert.ErrorIs(t, d.Write(iodev.PostCodePort, 0, []byte{1, 2}), device.ErrDataLenInvalid)

	data := []byte{0}
	require.NoError(t, d.Read(iodev.PostCodePort, 0, data))
	assert.Equal(t, byte(0x42), data[0])
}

func TestNoop(t *testing.T) {
	t.Parallel()

	d := iodev.NewNoopDevice("ps2")

	assert.Equal(t, "ps2", device.Name(d))
	assert.NoError(t, d.Write(0x60, 0, []byte{1}))
}
