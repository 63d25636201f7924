// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCalculateMinMax tests the calculation of the min and max jitter values.
func TestCalculateMinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration int64
		scaler   float64
		expected struct {
			min int64
			max int64
		}
	}{
		{
			name:     "scaler is 0",
			duration: 1000,
			scaler:   0,
			expected: struct{ min, max int64 }{1000, 1000},
		},
		{
			name:     "scaler is 0.5",
			duration: 1000,
			scaler:   0.5,
			expected: struct{ min, max int64 }{500, 1500},
		},
		{
			name:     "scaler is 1",
			duration: 1000,
			scaler:   1,
			expected: struct{ min, max int64 }{0, 2000},
		},
		{
			name:     "scaler greater than 1",
			duration: 1000,
			scaler:   1.5,
			expected: struct{ min, max int64 }{0, 2500},
		},
		{
			name:     "negative scaler",
			duration: 1000,
			scaler:   -0.5,
			expected: struct{ min, max int64 }{0, 0},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			// Catch the panic if the scaler is negative.
			if tc.scaler < 0 {
				defer func() {
					require.NotNil(t, recover(),
						"expect panic")
				}()
			}

			min, max := calculateMinMax(
				time.Duration(tc.duration), tc.scaler,
			)
			require.Equal(t, tc.expected.min, min)
			require.Equal(t, tc.expected.max, max)
		})
	}
}

// TestJitterDuration asserts the one-shot delay stays within (0, max].
func TestJitterDuration(t *testing.T) {
	t.Parallel()

	max := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		d := JitterDuration(max)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, max)
	}

	// A non-positive max still defers the work.
	require.Greater(t, JitterDuration(0), time.Duration(0))
}

// TestJitterTickerTicks asserts the ticker delivers ticks and stops cleanly.
func TestJitterTickerTicks(t *testing.T) {
	t.Parallel()

	jt := NewJitterTicker(10*time.Millisecond, 0.5)
	defer jt.Stop()

	select {
	case <-jt.C:
	case <-time.After(time.Second):
		t.Fatal("expected a tick")
	}
}
