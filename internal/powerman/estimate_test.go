package powerman

import (
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/powerman/powerproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	state, err := Estimate(&SampledState{Voltage: 12.0, Current: 2.0, Consumed: 1.0}, 5.0)
	require.NoError(t, err)
	assert.Equal(t, 12.0, state.Voltage)
	assert.Equal(t, 5.0, state.Capacity)
	assert.Equal(t, 1.0, state.Consumed)
	assert.Equal(t, 4.0, state.Remaining)
	assert.InDelta(t, 7200.0, state.Estimate, 1e-9)
	// Below 4A the published current is floored.
	assert.Equal(t, 0.5, state.Current)
}

func TestEstimateHighCurrentNotFloored(t *testing.T) {
	state, err := Estimate(&SampledState{Voltage: 15.1, Current: 20.0, Consumed: 2.0}, 10.0)
	require.NoError(t, err)
	assert.Equal(t, 20.0, state.Current)
	assert.InDelta(t, 8.0/20.0*3600, state.Estimate, 1e-9)
}

func TestRemainingNeverNegative(t *testing.T) {
	for _, consumed := range []float64{5.0, 5.0001, 7.5, 1000} {
		state, err := Estimate(&SampledState{Voltage: 12.0, Current: 5.0, Consumed: consumed}, 5.0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.Remaining)
		assert.Equal(t, 0.0, state.Estimate)
	}
}

func TestEstimateNoSample(t *testing.T) {
	_, err := Estimate(nil, 5.0)
	assert.ErrorIs(t, err, ErrNoSample)
}

func TestEstimateZeroCurrent(t *testing.T) {
	_, err := Estimate(&SampledState{Voltage: 12.0, Current: 0, Consumed: 1.0}, 5.0)
	var estimateErr *EstimateError
	assert.True(t, errors.As(err, &estimateErr))
}

type recordingSink struct {
	states []powerproto.PowerState
	err    error
}

func (r *recordingSink) Publish(state powerproto.PowerState) error {
	r.states = append(r.states, state)
	return r.err
}

func TestPublisherSkipsUntilSampled(t *testing.T) {
	sink := &recordingSink{}
	source := &staticSource{}
	p := NewPublisher(source, 5.0, time.Second, time.Minute, sink)

	assert.ErrorIs(t, p.PublishOnce(), ErrNoSample)
	assert.Empty(t, sink.states)
	_, ok := p.Latest()
	assert.False(t, ok)

	source.state = &SampledState{Voltage: 12.0, Current: 2.0, Consumed: 1.0}
	require.NoError(t, p.PublishOnce())
	require.Len(t, sink.states, 1)
	assert.Equal(t, 4.0, sink.states[0].Remaining)
	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, sink.states[0], latest)
}

func TestPublisherContinuesPastFailingSink(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	working := &recordingSink{}
	source := &staticSource{state: &SampledState{Voltage: 12.0, Current: 2.0}}
	p := NewPublisher(source, 5.0, time.Second, time.Minute, failing, working)

	err := p.PublishOnce()
	assert.ErrorIs(t, err, errPublish)
	assert.Len(t, failing.states, 1)
	assert.Len(t, working.states, 1)
}

func TestPublisherDerivationFailureSkipsCycle(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(&staticSource{state: &SampledState{Voltage: 12.0}}, 5.0, time.Second, time.Minute, sink)
	var estimateErr *EstimateError
	assert.True(t, errors.As(p.PublishOnce(), &estimateErr))
	assert.Empty(t, sink.states)
}
