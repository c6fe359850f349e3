package powerman

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

const (
	testGPIOAddress = 0x20
	testADCAddress  = 0x48
)

func TestGPIOBankKeepsLatch(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: testGPIOAddress, W: []byte{gpioOutputReg}, R: []byte{0x08}},
			{Addr: testGPIOAddress, W: []byte{gpioConfigReg, 0x00}},
			{Addr: testGPIOAddress, W: []byte{gpioOutputReg, 0x28}},
			{Addr: testGPIOAddress, W: []byte{gpioOutputReg, 0x20}},
		},
		DontPanic: true,
	}
	bank, err := newGPIOBank(bus, testGPIOAddress)
	require.NoError(t, err)
	assert.True(t, bank.Output(3))
	assert.False(t, bank.Output(5))

	require.NoError(t, bank.SetOutput(5, true))
	require.NoError(t, bank.SetOutput(3, false))
	assert.False(t, bank.Output(3))
	assert.True(t, bank.Output(5))
	assert.Error(t, bank.SetOutput(8, true))
	assert.NoError(t, bus.Close())
}

func TestGPIOBankReadFails(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	_, err := newGPIOBank(bus, testGPIOAddress)
	assert.Error(t, err)
}

func TestI2CChannel(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: testADCAddress, W: []byte{0x02}, R: []byte{0x03, 0xE8}},
		},
		DontPanic: true,
	}
	ch, err := newChannel("0x02", bus, testADCAddress)
	require.NoError(t, err)
	raw, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, 1000, raw)
	assert.NoError(t, bus.Close())
}

func TestSysfsChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in_voltage3_raw")
	require.NoError(t, os.WriteFile(path, []byte("2047\n"), 0644))

	ch, err := newChannel(path, nil, testADCAddress)
	require.NoError(t, err)
	raw, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, 2047, raw)

	require.NoError(t, os.WriteFile(path, []byte("nan"), 0644))
	_, err = ch.Read()
	assert.Error(t, err)
}

func TestNewChannelErrors(t *testing.T) {
	_, err := newChannel("/does/not/exist", nil, testADCAddress)
	assert.Error(t, err)
	_, err = newChannel("voltage", nil, testADCAddress)
	assert.Error(t, err)
	_, err = newChannel("0x100", nil, testADCAddress)
	assert.Error(t, err)
}
