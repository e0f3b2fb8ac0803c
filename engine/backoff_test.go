package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sicko7947/ensemble-go"
)

func TestNextDelay_Fixed(t *testing.T) {
	d := InitialRetryDelay
	for i := 0; i < 3; i++ {
		d = NextDelay(d, ensemble.BackoffFixed)
		assert.Equal(t, InitialRetryDelay, d)
	}
}

func TestNextDelay_Linear(t *testing.T) {
	d := InitialRetryDelay
	d = NextDelay(d, ensemble.BackoffLinear)
	assert.Equal(t, 2*time.Second, d)
	d = NextDelay(d, ensemble.BackoffLinear)
	assert.Equal(t, 3*time.Second, d)
}

func TestNextDelay_Exponential(t *testing.T) {
	d := InitialRetryDelay
	d = NextDelay(d, ensemble.BackoffExponential)
	assert.Equal(t, 2*time.Second, d)
	d = NextDelay(d, ensemble.BackoffExponential)
	assert.Equal(t, 4*time.Second, d)
}

func TestInitialRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, InitialRetryDelay)
}
