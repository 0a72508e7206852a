package quicengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterPushPopRoundTrip(t *testing.T) {
	a := New(DCubic)
	defer a.Close()

	go func() {
		buf := make([]byte, 16)
		n, addr, err := a.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, spoofAddr, addr)
	}()

	a.PushDatagram([]byte("hello"), time.Now())
	time.Sleep(10 * time.Millisecond)
}

func TestAdapterPopDatagramReturnsQueuedWrite(t *testing.T) {
	a := New(DCubic)
	defer a.Close()

	assert.False(t, a.HasPending())

	n, err := a.WriteTo([]byte("outbound"), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.True(t, a.HasPending())
	data, sentAt, ok := a.PopDatagram(time.Now())
	require.True(t, ok)
	assert.Equal(t, "outbound", string(data))
	assert.WithinDuration(t, time.Now(), sentAt, time.Second)

	_, _, ok = a.PopDatagram(time.Now())
	assert.False(t, ok)
}

func TestAdapterFlowControlBlocked(t *testing.T) {
	a := New(DCubic)
	defer a.Close()

	assert.False(t, a.FlowControlBlocked())
	a.SetFlowControlBlocked(true)
	assert.True(t, a.FlowControlBlocked())
}

func TestEstimatorTracksRTT(t *testing.T) {
	e := NewEstimator(DCubic)
	assert.EqualValues(t, initialWindow, e.CongestionWindow())

	e.RecordSend(500)
	e.RecordReceive(200, time.Now().Add(30*time.Millisecond))
	assert.InDelta(t, float64(30*time.Millisecond), float64(e.SmoothedRTT()), float64(10*time.Millisecond))
}

func TestEstimatorLossShrinksWindow(t *testing.T) {
	e := NewEstimator(DCubic)
	before := e.CongestionWindow()
	e.RecordLoss()
	assert.Less(t, e.CongestionWindow(), before)
}

func TestEstimatorPacingRateNonNegative(t *testing.T) {
	e := NewEstimator(DCubic)
	e.RecordSend(1200)
	assert.GreaterOrEqual(t, e.PacingRateBPS(), 0.0)
}

func TestParseSchemeRecognizesBBR(t *testing.T) {
	assert.Equal(t, BBR, ParseScheme("bbr"))
	assert.Equal(t, BBR, ParseScheme("BBR"))
	assert.Equal(t, DCubic, ParseScheme("dcubic"))
	assert.Equal(t, DCubic, ParseScheme("anything-else"))
}

func TestEstimatorSchemesBackOffDifferently(t *testing.T) {
	cubic := NewEstimator(DCubic)
	cubic.RecordSend(4000)
	cubicBefore := cubic.CongestionWindow()
	cubic.RecordLoss()

	bbr := NewEstimator(BBR)
	bbr.RecordSend(4000)
	bbrBefore := bbr.CongestionWindow()
	bbr.RecordLoss()

	// dcubic halves on loss; bbr only trims gently, so it retains a
	// larger fraction of its pre-loss window.
	assert.Less(t, cubic.CongestionWindow(), cubicBefore/2+1)
	assert.Greater(t, bbr.CongestionWindow(), bbrBefore/2)
}
