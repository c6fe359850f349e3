package powerman

import (
	"errors"
	"sync"
	"time"

	"github.com/TheCacophonyProject/powerman/calibration"
)

type pinWrite struct {
	pin   int
	value bool
}

// fakeOutput records every write.
type fakeOutput struct {
	mu     sync.Mutex
	writes []pinWrite
	pins   map[int]bool
	err    error
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{pins: map[int]bool{}}
}

func (o *fakeOutput) SetOutput(pin int, value bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.writes = append(o.writes, pinWrite{pin, value})
	o.pins[pin] = value
	return nil
}

func (o *fakeOutput) Pin(pin int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pins[pin]
}

func (o *fakeOutput) Writes() []pinWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]pinWrite{}, o.writes...)
}

func (o *fakeOutput) SetErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// fakeChannel returns queued values, repeating the last one.
type fakeChannel struct {
	mu     sync.Mutex
	values []int
	err    error
}

func (c *fakeChannel) Read() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if len(c.values) == 0 {
		return 0, errors.New("no value")
	}
	v := c.values[0]
	if len(c.values) > 1 {
		c.values = c.values[1:]
	}
	return v, nil
}

func (c *fakeChannel) Set(values ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	c.err = nil
}

func (c *fakeChannel) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Raw voltage is in 0.1V and raw current in 0.01A.
var (
	testVoltageCalibration = calibration.MustParse("x / 10")
	testCurrentCalibration = calibration.MustParse("x / 100")
)

// newTestMonitor has a 4 cell pack with a 3.3V per cell low voltage.
func newTestMonitor(hysteresis int, onCritical func()) (*Monitor, *fakeChannel, *fakeChannel) {
	voltage := &fakeChannel{values: []int{140}}
	current := &fakeChannel{values: []int{200}}
	m := NewMonitor(MonitorConfig{
		Voltage:            voltage,
		Current:            current,
		VoltageCalibration: testVoltageCalibration,
		CurrentCalibration: testCurrentCalibration,
		LowBatteryVoltage:  4 * 3.3,
		Hysteresis:         hysteresis,
		Interval:           time.Millisecond,
	}, onCritical)
	return m, voltage, current
}

type staticSource struct {
	state *SampledState
}

func (s staticSource) Snapshot() *SampledState {
	return s.state
}
