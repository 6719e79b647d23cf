package cm

import (
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New(PolicyNone, 0, 0)
	require.NoError(t, err)
	assert.IsType(t, None{}, m)

	m, err = New(PolicyBackoff, time.Microsecond, time.Millisecond)
	require.NoError(t, err)
	assert.IsType(t, &Backoff{}, m)

	_, err = New("karma", 0, 0)
	assert.Equal(t, ErrUnknownPolicy, errors.Cause(err))
}

func TestBackoffWindow(t *testing.T) {
	b := NewBackoff(time.Microsecond, 10*time.Microsecond)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Microsecond},
		{1, time.Microsecond},
		{2, 2 * time.Microsecond},
		{4, 8 * time.Microsecond},
		{5, 10 * time.Microsecond},
		{100, 10 * time.Microsecond},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, b.Window(c.attempt), "attempt %d", c.attempt)
	}
}

func TestBackoffSleepsWithinWindow(t *testing.T) {
	b := NewBackoff(time.Millisecond, 4*time.Millisecond)
	var got []time.Duration
	b.sleep = func(d time.Duration) { got = append(got, d) }

	for attempt := 1; attempt <= 5; attempt++ {
		b.OnAbort(nil, attempt)
	}
	require.Len(t, got, 5)
	for i, d := range got {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Window(i+1))
	}
}

func TestNewBackoffNormalizesBounds(t *testing.T) {
	b := NewBackoff(0, -1)
	assert.Equal(t, time.Microsecond, b.Min)
	assert.Equal(t, time.Microsecond, b.Max)
}
