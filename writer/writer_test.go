package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// fakeSink records batches and can simulate a missing destination.
type fakeSink struct {
	mu             sync.Mutex
	batches        [][]sink.Point
	creates        int
	failNotFound   int // fail this many writes with a not-found error
	failTransient  int // fail this many writes with a plain error
	writesAccepted int
}

func (f *fakeSink) WritePoints(_ context.Context, points []sink.Point, _ sink.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNotFound > 0 {
		f.failNotFound--
		return sink.NotFound(assertAnError)
	}
	if f.failTransient > 0 {
		f.failTransient--
		return assertAnError
	}

	copied := make([]sink.Point, len(points))
	copy(copied, points)
	f.batches = append(f.batches, copied)
	f.writesAccepted++
	return nil
}

func (f *fakeSink) CreateDestination(_ context.Context, _ sink.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return nil
}

func (f *fakeSink) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

var assertAnError = assert.AnError

func points(n int) []sink.Point {
	out := make([]sink.Point, n)
	for i := range out {
		out[i] = sink.Point{
			Measurement: "m",
			Fields:      map[string]any{"v": float64(i)},
			Timestamp:   int64(1577836800000 - i*1000),
		}
	}
	return out
}

func destOpts() sink.Options {
	return sink.Options{Database: "sensor"}
}

func TestBatchSizeTriggersImmediateFlush(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 3, BatchInterval: time.Hour}, nil, nil)

	done := make(chan error, 1)
	w.Push(points(3), done)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("size-triggered flush did not fire")
	}

	assert.Equal(t, 1, fs.batchCount())
	assert.Len(t, fs.batches[0], 3)
}

func TestDebounceFlushAfterInterval(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 100, BatchInterval: 50 * time.Millisecond}, nil, nil)

	first := make(chan error, 1)
	second := make(chan error, 1)
	w.Push(points(1), first)
	w.Push(points(1), second)

	// Both pushes coalesce into exactly one flush.
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("debounced flush did not fire")
	}
	require.NoError(t, <-second)

	assert.Equal(t, 1, fs.batchCount())
	assert.Len(t, fs.batches[0], 2)
}

func TestDebounceIsTrailingEdge(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 100, BatchInterval: 80 * time.Millisecond}, nil, nil)

	done := make(chan error, 1)
	w.Push(points(1), done)

	// Keep pushing within the interval; the flush keeps sliding.
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		w.Push(points(1), make(chan error, 1))
		assert.Equal(t, 0, fs.batchCount(), "flush fired before quiet period")
	}

	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.batchCount())
}

func TestNotFoundCreatesAndRetriesOnce(t *testing.T) {
	fs := &fakeSink{failNotFound: 1}
	w := New(fs, destOpts(), Options{BatchSize: 1}, nil, nil)

	done := make(chan error, 1)
	w.Push(points(1), done)

	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.creates)
	assert.Equal(t, 1, fs.batchCount())
}

func TestSecondFailureSurfacesToAllWaiters(t *testing.T) {
	fs := &fakeSink{failNotFound: 2}
	w := New(fs, destOpts(), Options{BatchSize: 2, BatchInterval: time.Hour}, nil, nil)

	first := make(chan error, 1)
	second := make(chan error, 1)
	w.Push(points(1), first)
	w.Push(points(1), second)

	// Exactly one create attempt, then the retry failure fans out.
	assert.Error(t, <-first)
	assert.Error(t, <-second)
	assert.Equal(t, 1, fs.creates)
	assert.Equal(t, 0, fs.batchCount())
}

func TestTransientFailureDoesNotCreate(t *testing.T) {
	fs := &fakeSink{failTransient: 1}
	w := New(fs, destOpts(), Options{BatchSize: 1}, nil, nil)

	done := make(chan error, 1)
	w.Push(points(1), done)

	assert.Error(t, <-done)
	assert.Equal(t, 0, fs.creates)
}

func TestConcurrentPushesDuringFlushLandInNextBatch(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 5, BatchInterval: 40 * time.Millisecond}, nil, nil)

	var wg sync.WaitGroup
	results := make([]chan error, 20)
	for i := range results {
		results[i] = make(chan error, 1)
		wg.Add(1)
		go func(done chan error) {
			defer wg.Done()
			w.Push(points(1), done)
		}(results[i])
	}
	wg.Wait()

	// Every pusher gets exactly one completion and no point is lost.
	for _, done := range results {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pusher never completed")
		}
	}
	w.Flush()

	total := 0
	fs.mu.Lock()
	for _, b := range fs.batches {
		total += len(b)
	}
	fs.mu.Unlock()
	assert.Equal(t, 20, total)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 100, BatchInterval: time.Hour}, nil, nil)

	done := make(chan error, 1)
	w.Push(points(2), done)
	w.Close()

	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.batchCount())

	rejected := make(chan error, 1)
	w.Push(points(1), rejected)
	assert.Error(t, <-rejected)
}

func TestClosedWriterPushWithNilDoneReturns(t *testing.T) {
	fs := &fakeSink{}
	w := New(fs, destOpts(), Options{BatchSize: 100, BatchInterval: time.Hour}, nil, nil)
	w.Close()

	returned := make(chan struct{})
	go func() {
		w.Push(points(1), nil)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget push blocked on closed writer")
	}
	assert.Equal(t, 0, fs.batchCount())
}

func TestRegistrySameKeySameWriter(t *testing.T) {
	factory := func(sink.Options) (sink.Sink, error) { return &fakeSink{}, nil }
	r, err := NewRegistry(10, factory, nil, nil)
	require.NoError(t, err)

	a, err := r.GetOrCreate(sink.Options{Database: "db", Precision: "ms"}, Options{})
	require.NoError(t, err)
	b, err := r.GetOrCreate(sink.Options{Database: "db", Precision: "ms"}, Options{})
	require.NoError(t, err)
	c, err := r.GetOrCreate(sink.Options{Database: "other"}, Options{})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, r.Size())
}

func TestRegistryRejectsEmptyDestination(t *testing.T) {
	factory := func(sink.Options) (sink.Sink, error) { return &fakeSink{}, nil }
	r, err := NewRegistry(10, factory, nil, nil)
	require.NoError(t, err)

	_, err = r.GetOrCreate(sink.Options{}, Options{})
	assert.Error(t, err)
}

func TestRegistryCloseAll(t *testing.T) {
	fs := &fakeSink{}
	factory := func(sink.Options) (sink.Sink, error) { return fs, nil }
	r, err := NewRegistry(10, factory, nil, nil)
	require.NoError(t, err)

	w, err := r.GetOrCreate(sink.Options{Database: "db"}, Options{BatchSize: 100, BatchInterval: time.Hour})
	require.NoError(t, err)

	done := make(chan error, 1)
	w.Push(points(1), done)
	r.CloseAll()

	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.batchCount())
	assert.Equal(t, 0, r.Size())
}
