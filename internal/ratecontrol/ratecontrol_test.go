package ratecontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCombineLimits(t *testing.T) {
	a := Limit{RatePerSecond: 2, Burst: 5}
	b := Limit{RatePerSecond: 1, Burst: 10}
	assert.Equal(t, Limit{RatePerSecond: 1, Burst: 5}, CombineLimits(a, b))
	assert.Equal(t, a, CombineLimits(a, Limit{}))
	assert.Equal(t, b, CombineLimits(Limit{}, b))
}

func TestFromRPM(t *testing.T) {
	l := FromRPM(120)
	assert.InDelta(t, 2.0, l.RatePerSecond, 1e-9)
	assert.Equal(t, 2, l.Burst)
	assert.True(t, FromRPM(0).Unlimited())
}

func TestControllerPerType(t *testing.T) {
	c := NewController(Limit{}, map[string]Limit{
		"research": {RatePerSecond: 0.001, Burst: 2},
	}, zaptest.NewLogger(t))

	assert.True(t, c.Allow("research"))
	assert.True(t, c.Allow("research"))
	assert.False(t, c.Allow("research"))
	assert.Greater(t, c.RetryAfter("research"), time.Second)

	for i := 0; i < 100; i++ {
		assert.True(t, c.Allow("backend"), "unlimited type")
	}
	assert.Zero(t, c.RetryAfter("backend"))
}

func TestControllerGlobalAppliesPerType(t *testing.T) {
	c := NewController(Limit{RatePerSecond: 0.001, Burst: 1}, nil, zaptest.NewLogger(t))
	assert.True(t, c.Allow("frontend"))
	assert.False(t, c.Allow("frontend"))
	// each type has its own bucket
	assert.True(t, c.Allow("backend"))

	c.SetLimit("frontend", Limit{RatePerSecond: 1000, Burst: 1000})
	assert.Equal(t, Limit{RatePerSecond: 0.001, Burst: 1}, c.LimitFor("frontend"))
}

func TestNilControllerAllows(t *testing.T) {
	var c *Controller
	assert.True(t, c.Allow("anything"))
}
