package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// funcEngine adapts a function to domain.DocumentEngine
type funcEngine struct {
	fn func(ctx context.Context, path string) (any, error)
}

func (e *funcEngine) Kind() domain.JobKind { return domain.JobKindOCR }
func (e *funcEngine) Close() error         { return nil }
func (e *funcEngine) Process(ctx context.Context, path string) (any, error) {
	return e.fn(ctx, path)
}

func makeFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("/in/file-%d.png", i)
	}
	return files
}

func collect(t *testing.T, p *OrderedProcessor, files []string, engine domain.DocumentEngine) []domain.FileOutcome {
	t.Helper()
	var outcomes []domain.FileOutcome
	err := p.ProcessFiles(context.Background(), files, engine, func(o domain.FileOutcome) bool {
		outcomes = append(outcomes, o)
		return true
	})
	require.NoError(t, err)
	return outcomes
}

// TestProcessorOrderPreservation tests that outcomes are emitted in file order with many workers
func TestProcessorOrderPreservation(t *testing.T) {
	p := NewFileProcessor(5, 0, zaptest.NewLogger(t))
	defer p.Stop()

	engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return path, nil
	}}

	files := makeFiles(100)
	outcomes := collect(t, p, files, engine)

	require.Len(t, outcomes, 100)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Index, "Order should be preserved at index %d", i)
		assert.Equal(t, files[i], o.Data)
		assert.NoError(t, o.Err)
	}
}

// TestProcessorSequentialByDefault tests that a single worker never overlaps engine calls
func TestProcessorSequentialByDefault(t *testing.T) {
	p := NewFileProcessor(1, 0, zaptest.NewLogger(t))
	defer p.Stop()

	var active, maxActive int32
	engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}}

	outcomes := collect(t, p, makeFiles(20), engine)
	assert.Len(t, outcomes, 20)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

// TestProcessorFailureIsolation tests that failures and panics are reported per file
func TestProcessorFailureIsolation(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p := NewFileProcessor(workers, 0, zaptest.NewLogger(t))
			defer p.Stop()

			files := makeFiles(6)
			engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
				switch path {
				case files[1]:
					return nil, errors.New("corrupt image")
				case files[3]:
					panic("native crash")
				}
				return "ok", nil
			}}

			outcomes := collect(t, p, files, engine)
			require.Len(t, outcomes, 6)
			assert.EqualError(t, outcomes[1].Err, "corrupt image")
			assert.ErrorContains(t, outcomes[3].Err, "engine panic")
			for _, i := range []int{0, 2, 4, 5} {
				assert.NoError(t, outcomes[i].Err)
				assert.Equal(t, "ok", outcomes[i].Data)
			}
		})
	}
}

// TestProcessorFileTimeout tests that a hanging engine call becomes a timeout outcome
func TestProcessorFileTimeout(t *testing.T) {
	p := NewFileProcessor(1, 20*time.Millisecond, zaptest.NewLogger(t))
	defer p.Stop()

	release := make(chan struct{})
	defer close(release)

	files := makeFiles(2)
	engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
		if path == files[0] {
			<-release // ignores ctx on purpose
		}
		return "ok", nil
	}}

	outcomes := collect(t, p, files, engine)
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[0].Err, context.DeadlineExceeded)
	assert.Equal(t, domain.FailureTimeout, domain.ClassifyFailure(outcomes[0].Err))
	assert.NoError(t, outcomes[1].Err)
}

// TestProcessorEmitStops tests that returning false from emit stops dispatching
func TestProcessorEmitStops(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p := NewFileProcessor(workers, 0, zaptest.NewLogger(t))
			defer p.Stop()

			var calls int32
			engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
				atomic.AddInt32(&calls, 1)
				return nil, nil
			}}

			var emitted []int
			err := p.ProcessFiles(context.Background(), makeFiles(50), engine, func(o domain.FileOutcome) bool {
				emitted = append(emitted, o.Index)
				return o.Index < 2
			})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2}, emitted)
			assert.Less(t, int(atomic.LoadInt32(&calls)), 50)
		})
	}
}

// TestProcessorEmptyInput tests that no files means no emits
func TestProcessorEmptyInput(t *testing.T) {
	p := NewFileProcessor(2, 0, zaptest.NewLogger(t))
	defer p.Stop()

	called := false
	err := p.ProcessFiles(context.Background(), nil, &funcEngine{}, func(domain.FileOutcome) bool {
		called = true
		return true
	})
	assert.NoError(t, err)
	assert.False(t, called)
}

// TestProcessorGracefulShutdown tests that Stop interrupts an in-flight batch
func TestProcessorGracefulShutdown(t *testing.T) {
	p := NewFileProcessor(2, 0, zaptest.NewLogger(t))

	engine := &funcEngine{fn: func(ctx context.Context, path string) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return "ok", nil
		}
	}}

	var mu sync.Mutex
	emitted := 0
	done := make(chan error, 1)
	go func() {
		done <- p.ProcessFiles(context.Background(), makeFiles(100), engine, func(domain.FileOutcome) bool {
			mu.Lock()
			emitted++
			mu.Unlock()
			return true
		})
	}()

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Processor did not shutdown gracefully")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, emitted, 100)
}
