package stress

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAllocator fails every attempt from failAt onwards (failAt < 0 never fails)
type fakeAllocator struct {
	failAt int
	err    error
	sizes  []int
}

func (f *fakeAllocator) Alloc(size int) ([]byte, error) {
	n := len(f.sizes)
	f.sizes = append(f.sizes, size)
	if f.failAt >= 0 && n >= f.failAt {
		if f.err != nil {
			return nil, f.err
		}
		return nil, fmt.Errorf("%w: fake refusal", ErrAllocationExhausted)
	}
	return make([]byte, size), nil
}

func (f *fakeAllocator) Name() string {
	return "fake"
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.calls = append(s.calls, d)
}

func testConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		BlockSize:         1024,
		InterAttemptDelay: time.Millisecond,
		PostLoopPause:     time.Minute,
	}
}

func newTestRunner(t *testing.T, cfg Config, alloc Allocator) (*Runner, *bytes.Buffer, *sleepRecorder) {
	t.Helper()
	var out bytes.Buffer
	rec := &sleepRecorder{}
	r, err := NewRunner(cfg, alloc, &out, WithSleeper(rec.sleep))
	require.NoError(t, err)
	return r, &out, rec
}

func lines(out *bytes.Buffer) []string {
	s := strings.TrimRight(out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestRun_HappyPath(t *testing.T) {
	alloc := &fakeAllocator{failAt: -1}
	r, out, rec := newTestRunner(t, testConfig(3), alloc)

	res, err := r.Run()
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Allocations())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(3072), res.TotalBytes)
	assert.Equal(t, -1, res.FailedAt)
	assert.NoError(t, res.Err)
	assert.Equal(t, []int{0, 1, 2}, res.Ledger.Indices())

	assert.Equal(t, []string{
		"malloc 1024 0 (tot: 0)",
		"malloc 1024 1 (tot: 1024)",
		"malloc 1024 2 (tot: 2048)",
	}, lines(out))

	// two delays between three attempts, then the final pause
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond, time.Minute}, rec.calls)
}

func TestRun_EarlyFailure(t *testing.T) {
	alloc := &fakeAllocator{failAt: 1}
	r, out, rec := newTestRunner(t, testConfig(3), alloc)

	res, err := r.Run()
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 1, res.Allocations())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(1024), res.TotalBytes)
	assert.Equal(t, 1, res.FailedAt)
	assert.ErrorIs(t, res.Err, ErrAllocationExhausted)

	rec0, ok := res.Ledger.At(0)
	require.True(t, ok)
	assert.Equal(t, 0, rec0.Index)
	assert.Len(t, rec0.Block, 1024)

	assert.Equal(t, []string{
		"malloc 1024 0 (tot: 0)",
		"malloc 1024 1 (tot: 1024)",
		"!! malloc failed.",
	}, lines(out))

	// attempt 2 never happened
	assert.Len(t, alloc.sizes, 2)
	// one delay after the success, none after the failure, then the final pause
	assert.Equal(t, []time.Duration{time.Millisecond, time.Minute}, rec.calls)
}

func TestRun_ZeroAttempts(t *testing.T) {
	alloc := &fakeAllocator{failAt: -1}
	r, out, rec := newTestRunner(t, testConfig(0), alloc)

	res, err := r.Run()
	require.NoError(t, err)

	assert.Equal(t, 0, res.Allocations())
	assert.Equal(t, int64(0), res.TotalBytes)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Empty(t, out.String())
	assert.Empty(t, alloc.sizes)
	assert.Equal(t, []time.Duration{time.Minute}, rec.calls)
}

func TestRun_FailureAtEveryIndex(t *testing.T) {
	const attempts = 6
	for k := 0; k < attempts; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			alloc := &fakeAllocator{failAt: k}
			r, out, rec := newTestRunner(t, testConfig(attempts), alloc)

			res, err := r.Run()
			require.NoError(t, err)

			assert.Equal(t, k, res.Allocations())
			assert.Equal(t, int64(k*1024), res.TotalBytes)
			assert.Equal(t, k, res.FailedAt)
			assert.Len(t, alloc.sizes, k+1)
			assert.Len(t, lines(out), k+2)
			assert.Len(t, rec.calls, k+1)
			assert.Equal(t, time.Minute, rec.calls[len(rec.calls)-1])

			for i, idx := range res.Ledger.Indices() {
				assert.Equal(t, i, idx)
			}
		})
	}
}

func TestRun_SingleAttemptHasNoDelay(t *testing.T) {
	r, _, rec := newTestRunner(t, testConfig(1), &fakeAllocator{failAt: -1})

	res, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Allocations())
	assert.Equal(t, []time.Duration{time.Minute}, rec.calls)
}

func TestRun_RequestsConfiguredBlockSize(t *testing.T) {
	alloc := &fakeAllocator{failAt: -1}
	cfg := testConfig(4)
	cfg.BlockSize = 50000
	r, _, _ := newTestRunner(t, cfg, alloc)

	res, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, []int{50000, 50000, 50000, 50000}, alloc.sizes)
	assert.Equal(t, int64(200000), res.TotalBytes)
	assert.Equal(t, res.TotalBytes, res.Ledger.Bytes())
}

func TestRun_UnexpectedAllocatorErrorStopsLoop(t *testing.T) {
	alloc := &fakeAllocator{failAt: 2, err: errors.New("boom")}
	r, out, _ := newTestRunner(t, testConfig(5), alloc)

	res, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 2, res.Allocations())
	assert.EqualError(t, res.Err, "boom")
	assert.Contains(t, out.String(), "!! malloc failed.")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("closed")
}

func TestRun_ProgressWriteError(t *testing.T) {
	r, err := NewRunner(testConfig(3), &fakeAllocator{failAt: -1}, failingWriter{}, WithSleeper(func(time.Duration) {}))
	require.NoError(t, err)

	_, err = r.Run()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write progress")
}

func TestNewRunner_Validation(t *testing.T) {
	var out bytes.Buffer

	_, err := NewRunner(testConfig(1), nil, &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "allocator")

	_, err = NewRunner(testConfig(1), &fakeAllocator{}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "progress writer")

	bad := testConfig(1)
	bad.BlockSize = 0
	_, err = NewRunner(bad, &fakeAllocator{}, &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "block size")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero attempts allowed", mutate: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "negative attempts", mutate: func(c *Config) { c.MaxAttempts = -1 }, wantErr: "max attempts"},
		{name: "zero block size", mutate: func(c *Config) { c.BlockSize = 0 }, wantErr: "block size"},
		{name: "negative delay", mutate: func(c *Config) { c.InterAttemptDelay = -time.Second }, wantErr: "inter-attempt delay"},
		{name: "negative pause", mutate: func(c *Config) { c.PostLoopPause = -time.Second }, wantErr: "post-loop pause"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10000, cfg.MaxAttempts)
	assert.Equal(t, 50000, cfg.BlockSize)
	assert.Equal(t, 500*time.Microsecond, cfg.InterAttemptDelay)
	assert.Equal(t, 30*time.Second, cfg.PostLoopPause)
}
