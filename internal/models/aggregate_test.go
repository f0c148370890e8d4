package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullSafeMinMax(t *testing.T) {
	five := 5.0
	ten := 10.0

	tests := []struct {
		name string
		a, b *float64
		min  *float64
		max  *float64
	}{
		{"both nil", nil, nil, nil, nil},
		{"left nil", nil, &five, &five, &five},
		{"right nil", &ten, nil, &ten, &ten},
		{"both set", &five, &ten, &five, &ten},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMin := MinNullable(tt.a, tt.b)
			gotMax := MaxNullable(tt.a, tt.b)

			if tt.min == nil {
				assert.Nil(t, gotMin)
			} else {
				require.NotNil(t, gotMin)
				assert.Equal(t, *tt.min, *gotMin)
			}
			if tt.max == nil {
				assert.Nil(t, gotMax)
			} else {
				require.NotNil(t, gotMax)
				assert.Equal(t, *tt.max, *gotMax)
			}
		})
	}
}

func TestHourlyAggregateAddFromEmpty(t *testing.T) {
	// An aggregate with no numeric samples has nil bounds, not zeros. Merging
	// in real samples must adopt them as-is.
	agg := &HourlyAggregate{
		DayBucket:    "2025-03-07",
		Hour:         9,
		MetricName:   "api_request",
		DimensionKey: DefaultDimensionKey,
	}

	min, max := 5.0, 10.0
	agg.Add(2, 15.0, &min, &max)

	assert.Equal(t, uint64(2), agg.Count)
	assert.Equal(t, 15.0, agg.SumValue)
	require.NotNil(t, agg.MinValue)
	require.NotNil(t, agg.MaxValue)
	assert.Equal(t, 5.0, *agg.MinValue)
	assert.Equal(t, 10.0, *agg.MaxValue)
}

func TestHourlyAggregateAddCountOnly(t *testing.T) {
	// Contributions without duration samples grow the count but leave the
	// bounds untouched: nil must never collapse to zero.
	agg := &HourlyAggregate{Count: 3}
	agg.Add(4, 0, nil, nil)

	assert.Equal(t, uint64(7), agg.Count)
	assert.Nil(t, agg.MinValue)
	assert.Nil(t, agg.MaxValue)
}

func TestHourlyAggregateAddKeepsBoundsOrdered(t *testing.T) {
	lowMin, lowMax := 1.0, 4.0
	agg := &HourlyAggregate{}
	agg.Add(1, 4.0, &lowMax, &lowMax)
	agg.Add(1, 1.0, &lowMin, &lowMin)

	require.NotNil(t, agg.MinValue)
	require.NotNil(t, agg.MaxValue)
	assert.LessOrEqual(t, *agg.MinValue, *agg.MaxValue)
	assert.Equal(t, 1.0, *agg.MinValue)
	assert.Equal(t, 4.0, *agg.MaxValue)
}

func TestDailyAggregateAddMergesPointwise(t *testing.T) {
	day := &DailyAggregate{MonthBucket: "2025-03", Day: 7, MetricName: "api_request", DimensionKey: DefaultDimensionKey}

	aMin := 2.0
	bMax := 9.0
	// One side only has a lower bound, the other only an upper bound.
	day.Add(10, 50.0, &aMin, nil)
	day.Add(5, 30.0, nil, &bMax)

	assert.Equal(t, uint64(15), day.Count)
	assert.Equal(t, 80.0, day.SumValue)
	require.NotNil(t, day.MinValue)
	require.NotNil(t, day.MaxValue)
	assert.Equal(t, 2.0, *day.MinValue)
	assert.Equal(t, 9.0, *day.MaxValue)
}
