package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(openMS int64, close float64) Bar {
	return Bar{
		OpenTime:  openMS,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		CloseTime: openMS + 3_600_000 - 1,
	}
}

func TestRingPushKeepsOrderAndBounds(t *testing.T) {
	r := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		r.Push(bar(i*1000, float64(i)))
	}

	require.Equal(t, 3, r.Len())
	got := r.LastN(3)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3000), got[0].OpenTime)
	assert.Equal(t, int64(5000), got[2].OpenTime)
}

func TestRingPushOverwritesEqualOpenTime(t *testing.T) {
	r := NewRing(5)
	r.Push(bar(1000, 10))
	r.Push(bar(2000, 20))

	// Replay of the newest bar with revised values.
	revised := bar(2000, 25)
	r.Push(revised)

	got := r.LastN(5)
	require.Len(t, got, 2)
	assert.Equal(t, 25.0, got[1].Close)

	// Replay of a mid-buffer bar overwrites in place too.
	r.Push(bar(3000, 30))
	r.Push(bar(1000, 11))
	got = r.LastN(5)
	require.Len(t, got, 3)
	assert.Equal(t, 11.0, got[0].Close)
}

func TestRingPushDropsOlderBars(t *testing.T) {
	r := NewRing(5)
	r.Push(bar(2000, 20))
	r.Push(bar(1500, 15))

	got := r.LastN(5)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2000), got[0].OpenTime)
}

func TestRingLastNReturnsCopies(t *testing.T) {
	r := NewRing(3)
	r.Push(bar(1000, 10))

	got := r.LastN(1)
	got[0].Close = 999

	again := r.LastN(1)
	assert.Equal(t, 10.0, again[0].Close)
}

func TestRingLastNClampsRequest(t *testing.T) {
	r := NewRing(3)
	r.Push(bar(1000, 10))
	r.Push(bar(2000, 20))

	assert.Len(t, r.LastN(10), 2)
	assert.Empty(t, r.LastN(0))
}

func TestRingLastAge(t *testing.T) {
	r := NewRing(3)
	_, ok := r.LastAge(time.Now())
	assert.False(t, ok)

	closeAt := time.Now().Add(-90 * time.Second)
	r.Push(Bar{OpenTime: closeAt.Add(-time.Hour).UnixMilli(), CloseTime: closeAt.UnixMilli()})

	age, ok := r.LastAge(time.Now())
	require.True(t, ok)
	assert.InDelta(t, 90*time.Second, age, float64(2*time.Second))
}
