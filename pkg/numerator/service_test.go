package numerator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "viewsync/internal/core/numerator"
)

var period = time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

// countingSequence records every Advance call.
type countingSequence struct {
	*MemorySequence
	advances []int64
	err      error
}

func (c *countingSequence) Advance(ctx context.Context, key string, n int64) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.advances = append(c.advances, n)
	return c.MemorySequence.Advance(ctx, key, n)
}

func TestGetNextNumber_Strict(t *testing.T) {
	seq := &countingSequence{MemorySequence: NewMemorySequence()}
	svc := New(seq)
	ctx := context.Background()
	cfg := core.DefaultConfig("TEST")

	num, err := svc.GetNextNumber(ctx, cfg, nil, period)
	require.NoError(t, err)
	assert.Equal(t, "TEST-2026-00001", num)

	num, err = svc.GetNextNumber(ctx, cfg, nil, period)
	require.NoError(t, err)
	assert.Equal(t, "TEST-2026-00002", num)
	assert.Equal(t, []int64{1, 1}, seq.advances)
	assert.Equal(t, int64(2), seq.Value("TEST_2026"))
}

func TestGetNextNumber_Cached(t *testing.T) {
	seq := &countingSequence{MemorySequence: NewMemorySequence()}
	svc := New(seq)
	ctx := context.Background()
	cfg := core.DefaultConfig("ORD")
	opts := &core.Options{Strategy: core.StrategyCached, RangeSize: 10}

	num, err := svc.GetNextNumber(ctx, cfg, opts, period)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2026-00001", num)
	assert.Equal(t, int64(10), seq.Value("ORD_2026"))

	num, err = svc.GetNextNumber(ctx, cfg, opts, period)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2026-00002", num)
	assert.Len(t, seq.advances, 1, "second number comes from the range")

	for i := 0; i < 8; i++ {
		_, err = svc.GetNextNumber(ctx, cfg, opts, period)
		require.NoError(t, err)
	}
	num, err = svc.GetNextNumber(ctx, cfg, opts, period)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2026-00011", num)
	assert.Equal(t, int64(20), seq.Value("ORD_2026"))
	assert.Equal(t, []int64{10, 10}, seq.advances)
}

func TestSetNextNumber_InvalidatesCache(t *testing.T) {
	seq := NewMemorySequence()
	svc := New(seq)
	ctx := context.Background()
	cfg := core.DefaultConfig("INV")
	opts := &core.Options{Strategy: core.StrategyCached, RangeSize: 10}

	_, err := svc.GetNextNumber(ctx, cfg, opts, period)
	require.NoError(t, err)

	require.NoError(t, svc.SetNextNumber(ctx, cfg, period, 100))
	num, err := svc.GetNextNumber(ctx, cfg, opts, period)
	require.NoError(t, err)
	assert.Equal(t, "INV-2026-00101", num)
}

func TestGetNextNumber_Formats(t *testing.T) {
	tests := []struct {
		name string
		cfg  core.Config
		key  string
		want string
	}{
		{"default", core.DefaultConfig("GR"), "GR_2026", "GR-2026-00001"},
		{"monthly", core.Config{Prefix: "GR", IncludeYear: true, PadWidth: 3, ResetPeriod: core.ResetMonth}, "GR_2026_03", "GR-2026-001"},
		{"never reset", core.Config{Prefix: "GR", ResetPeriod: core.ResetNever}, "GR", "GR-00001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := NewMemorySequence()
			num, err := New(seq).GetNextNumber(context.Background(), tt.cfg, nil, period)
			require.NoError(t, err)
			assert.Equal(t, tt.want, num)
			assert.Equal(t, int64(1), seq.Value(tt.key))
			assert.Equal(t, int64(1), ParseNumber(num))
		})
	}
}

func TestGetNextNumber_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	svc := New(&countingSequence{MemorySequence: NewMemorySequence(), err: boom})

	_, err := svc.GetNextNumber(ctx, core.DefaultConfig("GR"), nil, period)
	assert.ErrorIs(t, err, boom)
	_, err = svc.GetNextNumber(ctx, core.DefaultConfig("GR"), &core.Options{Strategy: core.StrategyCached}, period)
	assert.ErrorIs(t, err, boom)

	_, err = svc.GetNextNumber(ctx, core.Config{}, nil, period)
	assert.Error(t, err)
	_, err = svc.GetNextNumber(ctx, core.Config{Prefix: "GR", ResetPeriod: "weekly"}, nil, period)
	assert.Error(t, err)

	var nilSvc *Service
	_, err = nilSvc.GetNextNumber(ctx, core.DefaultConfig("GR"), nil, period)
	assert.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, int64(42), ParseNumber("GR-2026-00042"))
	assert.Equal(t, int64(7), ParseNumber("GR-00007"))
	assert.Equal(t, int64(-1), ParseNumber("GR"))
	assert.Equal(t, int64(-1), ParseNumber("GR-x"))
}
