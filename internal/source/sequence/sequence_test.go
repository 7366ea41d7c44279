package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/store"
)

func drain(t *testing.T, f runner.Fetcher[int], advance int) runner.Result[int] {
	t.Helper()
	var all []int
	for {
		res, err := f.GetRequired(context.Background(), advance, runner.CurrentPosition, "")
		require.NoError(t, err)
		all = append(all, res.Items...)
		if res.Status.Terminal() {
			res.Items = all
			return res
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		want    Range
		wantErr bool
	}{
		{name: "defaults", want: Range{Start: 1, Step: 1, Count: 10}},
		{
			name:   "explicit",
			params: map[string]string{"start": "5", "step": "-1", "count": "3", "delay": "10ms", "fail_after": "2"},
			want:   Range{Start: 5, Step: -1, Count: 3, Delay: 10 * time.Millisecond, FailAfter: 2},
		},
		{name: "unbounded", params: map[string]string{"count": "inf"}, want: Range{Start: 1, Step: 1, Count: -1}},
		{name: "bad count", params: map[string]string{"count": "many"}, wantErr: true},
		{name: "negative count", params: map[string]string{"count": "-2"}, wantErr: true},
		{name: "bad delay", params: map[string]string{"delay": "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(store.Request{ResultType: ResultType, Params: tt.params})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFactoryProducesRange(t *testing.T) {
	rn, err := Factory(context.Background(),
		store.Request{Params: map[string]string{"start": "10", "step": "10", "count": "4"}, QueueSize: 1},
		store.Env{SessionID: "s", Number: 1, Parent: context.Background()})
	require.NoError(t, err)
	f := rn.(runner.Fetcher[int])

	res := drain(t, f, 3)
	assert.Equal(t, []int{10, 20, 30, 40}, res.Items)
	assert.Equal(t, runner.StatusComplete, res.Status)
	assert.Equal(t, 4, res.Position)
}

func TestInjectedFailure(t *testing.T) {
	f := runner.NewBuffered(Range{Start: 1, Step: 1, Count: 10, FailAfter: 3}.Producer())

	res := drain(t, f, 2)
	assert.Equal(t, []int{1, 2, 3}, res.Items)
	assert.Equal(t, runner.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrInjected)
}

func TestFromSlice(t *testing.T) {
	f := FromSlice([]string{"a", "b", "c"}, runner.WithQueueSize(1))

	res, err := f.GetRequired(context.Background(), 5, runner.CurrentPosition, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Items)
	assert.Equal(t, runner.StatusComplete, res.Status)
}

func TestDelayHonoursAbort(t *testing.T) {
	f := runner.NewBuffered(Range{Start: 1, Step: 1, Count: -1, Delay: time.Hour}.Producer())

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Abort()
	}()
	res, err := f.GetRequired(context.Background(), 1, runner.CurrentPosition, "")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, runner.StatusAborted, res.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.Dispose(ctx))
}
