package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimer(t *testing.T) {
	var got time.Duration
	timer := NewTimer(func(d time.Duration) { got = d })
	time.Sleep(time.Millisecond)
	timer.ObserveDuration()
	assert.GreaterOrEqual(t, got, time.Millisecond)
}

func TestNopTimer(t *testing.T) {
	assert.NotPanics(t, NopTimer().ObserveDuration)
}
