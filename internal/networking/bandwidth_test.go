package networking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthRegulatorSkipsFramesWhenShort(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewBandwidthRegulator(100, func() time.Time { return current })

	assert.True(t, regulator.Allow("viewer-1", 60, ClassFrame), "initial burst")
	assert.False(t, regulator.Allow("viewer-1", 50, ClassFrame), "tokens depleted")

	current = current.Add(500 * time.Millisecond)
	assert.True(t, regulator.Allow("viewer-1", 50, ClassFrame), "partial refill")

	current = current.Add(time.Second)
	usage := regulator.SnapshotUsage()
	sample, ok := usage["viewer-1"]
	require.True(t, ok)
	assert.EqualValues(t, 1, sample.SkippedFrames)
	assert.Positive(t, sample.AvailableBytes)
	assert.InDelta(t, 110/sample.ObservedSeconds, sample.BytesPerSecond, 1e-9)

	regulator.Forget("viewer-1")
	assert.Empty(t, regulator.SnapshotUsage())
}

func TestBandwidthRegulatorAlwaysDeliversControl(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewBandwidthRegulator(100, func() time.Time { return current })

	assert.True(t, regulator.Allow("viewer-2", 90, ClassFrame))
	assert.True(t, regulator.Allow("viewer-2", 40, ClassControl))
	assert.False(t, regulator.Allow("viewer-2", 1, ClassFrame))

	sample := regulator.SnapshotUsage()["viewer-2"]
	assert.InDelta(t, 30, sample.ControlOverdraft, 1e-9)
	assert.Zero(t, sample.AvailableBytes)
}

func TestBandwidthRegulatorPassThrough(t *testing.T) {
	var missing *BandwidthRegulator
	assert.True(t, missing.Allow("x", 10, ClassFrame))
	assert.Nil(t, missing.SnapshotUsage())

	regulator := NewBandwidthRegulator(-1, nil)
	assert.True(t, regulator.Allow("", 1<<30, ClassFrame))
	assert.True(t, regulator.Allow("y", 0, ClassFrame))
}

func TestDeliveryMetrics(t *testing.T) {
	metrics := NewDeliveryMetrics()
	metrics.ObserveDelivery("viewer-1", 120)
	metrics.ObserveDelivery("viewer-1", 140)
	metrics.ObserveDelivery("viewer-2", -5)
	metrics.ObserveDrop(DropBandwidth)
	metrics.ObserveDrop(DropBandwidth)
	metrics.ObserveDrop(DropQueueFull)
	metrics.ObserveDrop("")

	assert.Equal(t, map[string]int64{"viewer-1": 140, "viewer-2": 0}, metrics.BytesPerClient())
	assert.Equal(t, map[DropReason]int64{DropBandwidth: 2, DropQueueFull: 1}, metrics.DropCounts())
	assert.EqualValues(t, 3, metrics.Delivered())

	metrics.ForgetClient("viewer-2")
	assert.Len(t, metrics.BytesPerClient(), 1)

	var missing *DeliveryMetrics
	missing.ObserveDrop(DropQueueFull)
	assert.Nil(t, missing.DropCounts())
}
