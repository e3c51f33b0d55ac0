package workerpool

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	r := NewFrameReader(&buf)

	f, err := EncodeFrame(KindExecute, ExecutePayload{RequestID: "r1", TaskUUID: "t1", TimeoutMs: 1000})
	require.NoError(t, err)

	require.NoError(t, w.Write(f))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindExecute, got.Kind)

	var payload ExecutePayload
	require.NoError(t, decodePayload(got, &payload))
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, int64(1000), payload.TimeoutMs)
}

func TestFrameReaderRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	r := NewFrameReader(&buf)

	_, err := r.Read()
	assert.Error(t, err)
}

func TestBackoffStaysWithinCap(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Duration(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestBackoffHighAttemptRespectsCap(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	// Not strictly monotonic due to jitter, but the ceiling itself should
	// grow until it saturates at cap; sample enough attempts that at least
	// one late attempt exceeds an early one's max possible value in
	// expectation is too flaky to assert directly, so just assert the cap
	// is respected at a high attempt count.
	d := b.Duration(10)
	assert.LessOrEqual(t, d, 30*time.Second)
}
