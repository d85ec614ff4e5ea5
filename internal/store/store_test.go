package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushil-kapadia/eye-detection/internal/protocol"
)

func validStatus() *int {
	s := protocol.StatusValid
	return &s
}

func invalidStatus() *int {
	s := 1
	return &s
}

func TestNewStoreStartsWithSentinels(t *testing.T) {
	s := New()

	snap := s.Snapshot()
	require.Len(t, snap, len(protocol.Channels))
	for ch, msg := range snap {
		assert.Equal(t, float64(SentinelTS), msg.TS, "channel %s", ch)
	}
}

func TestMergeAcceptsNewerSample(t *testing.T) {
	s := New()

	msg := &protocol.DataMessage{TS: 5, Status: validStatus(), GazePosition: []float64{0.5, 0.5}}
	res := s.Merge(msg)

	require.Equal(t, []protocol.Channel{protocol.ChannelGazePosition}, res.Updated)
	assert.Same(t, msg, s.Latest(protocol.ChannelGazePosition))
}

func TestMergeRejectsStaleSample(t *testing.T) {
	s := New()

	s.Merge(&protocol.DataMessage{TS: 5, Status: validStatus(), GazePosition: []float64{0.5, 0.5}})
	res := s.Merge(&protocol.DataMessage{TS: 3, Status: validStatus(), GazePosition: []float64{0.1, 0.1}})

	assert.Empty(t, res.Updated)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, float64(5), s.Latest(protocol.ChannelGazePosition).TS)
}

func TestMergeAcceptsFractionalTimestamp(t *testing.T) {
	s := New()

	s.Merge(&protocol.DataMessage{TS: 5, Status: validStatus(), GazePosition: []float64{0.5, 0.5}})
	res := s.Merge(&protocol.DataMessage{TS: 5.5, Status: validStatus(), GazePosition: []float64{0.6, 0.6}})

	assert.Equal(t, []protocol.Channel{protocol.ChannelGazePosition}, res.Updated)
	assert.Equal(t, 5.5, s.Latest(protocol.ChannelGazePosition).TS)
}

func TestMergeRejectsEqualTimestamp(t *testing.T) {
	s := New()

	first := &protocol.DataMessage{TS: 7, Status: validStatus(), GazePosition: []float64{0.5, 0.5}}
	s.Merge(first)
	s.Merge(&protocol.DataMessage{TS: 7, Status: validStatus(), GazePosition: []float64{0.9, 0.9}})

	assert.Same(t, first, s.Latest(protocol.ChannelGazePosition))
}

func TestMergeRejectsInvalidStatus(t *testing.T) {
	s := New()

	res := s.Merge(&protocol.DataMessage{TS: 5, Status: invalidStatus(), GazePosition: []float64{0.5, 0.5}})
	assert.Empty(t, res.Updated)
	assert.Equal(t, float64(SentinelTS), s.Latest(protocol.ChannelGazePosition).TS)

	// A missing status field is treated the same as a nonzero one.
	res = s.Merge(&protocol.DataMessage{TS: 5, GazePosition: []float64{0.5, 0.5}})
	assert.Empty(t, res.Updated)
}

func TestMergeMultiChannelDatagram(t *testing.T) {
	s := New()

	msg := &protocol.DataMessage{
		TS:            9,
		Status:        validStatus(),
		Gyroscope:     []float64{0.1, 0.2, 0.3},
		Accelerometer: []float64{9.7, 0.0, 0.1},
	}
	res := s.Merge(msg)

	require.Len(t, res.Updated, 2)
	assert.Same(t, msg, s.Latest(protocol.ChannelGyroscope))
	assert.Same(t, msg, s.Latest(protocol.ChannelAccelerometer))
	// Both channel slots point at the same message keyed by the same ts.
	assert.Equal(t, s.Latest(protocol.ChannelGyroscope).TS, s.Latest(protocol.ChannelAccelerometer).TS)
}

func TestMergeLeavesAbsentChannelsAlone(t *testing.T) {
	s := New()

	gp := &protocol.DataMessage{TS: 5, Status: validStatus(), GazePosition: []float64{0.5, 0.5}}
	s.Merge(gp)
	s.Merge(&protocol.DataMessage{TS: 6, Status: validStatus(), Gyroscope: []float64{1, 2, 3}})

	assert.Same(t, gp, s.Latest(protocol.ChannelGazePosition))
	assert.Equal(t, float64(6), s.Latest(protocol.ChannelGyroscope).TS)
}

func TestMergeEyeDiscriminator(t *testing.T) {
	s := New()

	left := 3.7
	s.Merge(&protocol.DataMessage{TS: 5, Status: validStatus(), Eye: protocol.EyeLeft, PupilDiameter: &left})

	assert.Equal(t, float64(5), s.Latest(protocol.ChannelLeftPupilDiameter).TS)
	assert.Equal(t, float64(SentinelTS), s.Latest(protocol.ChannelRightPupilDiameter).TS)

	right := 3.9
	s.Merge(&protocol.DataMessage{TS: 6, Status: validStatus(), Eye: protocol.EyeRight, PupilDiameter: &right})
	assert.Equal(t, float64(5), s.Latest(protocol.ChannelLeftPupilDiameter).TS)
	assert.Equal(t, float64(6), s.Latest(protocol.ChannelRightPupilDiameter).TS)
}

func TestMergeBadEyeDoesNotAbortSiblings(t *testing.T) {
	s := New()

	pd := 3.7
	res := s.Merge(&protocol.DataMessage{
		TS:            5,
		Status:        validStatus(),
		Eye:           "neither",
		PupilDiameter: &pd,
		GazePosition:  []float64{0.5, 0.5},
	})

	// The per-eye field is dropped, the shared field still merges.
	require.Equal(t, []protocol.Channel{protocol.ChannelGazePosition}, res.Updated)
}

func TestTimestampsMonotonicAcrossMergeSequence(t *testing.T) {
	s := New()

	sequence := []float64{1, 5, 3, 5, 2, 8, 7, 100, 99}
	var prev float64 = SentinelTS
	for _, ts := range sequence {
		s.Merge(&protocol.DataMessage{TS: ts, Status: validStatus(), GazePosition: []float64{0.5, 0.5}})
		cur := s.Latest(protocol.ChannelGazePosition).TS
		require.GreaterOrEqual(t, cur, prev, "timestamp regressed after merging ts=%v", ts)
		prev = cur
	}
	assert.Equal(t, float64(100), prev)
}

func TestConcurrentReadersDuringMerges(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for ts := float64(1); ts <= 500; ts++ {
			s.Merge(&protocol.DataMessage{TS: ts, Status: validStatus(), GazePosition: []float64{0.5, 0.5}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			snap := s.Snapshot()
			if msg := snap[protocol.ChannelGazePosition]; msg.TS != SentinelTS && msg.GazePosition == nil {
				t.Error("reader observed a partially written sample")
				return
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, float64(500), s.Latest(protocol.ChannelGazePosition).TS)
}
