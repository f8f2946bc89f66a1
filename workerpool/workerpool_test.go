package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"github.com/damianoneill/beep/trace"
)

func TestScheduleRunsTask(t *testing.T) {
	p := New(context.Background(), Config{Workers: 2})
	defer p.Close()

	var ran int32
	var wg sync.WaitGroup
	wg.Add(1)
	assert.NoError(t, p.Schedule(func() {
		atomic.AddInt32(&ran, 1)
		wg.Done()
	}))
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduleAfterCloseFails(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1})
	p.Close()

	err := p.Schedule(func() {})
	assert.Error(t, err)
}

func TestCloseDrainsQueuedTasksByDefault(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1, Backlog: 10})

	var count int32
	for i := 0; i < 5; i++ {
		assert.NoError(t, p.Schedule(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&count, 1)
		}))
	}
	p.Close()

	assert.Equal(t, int32(5), atomic.LoadInt32(&count), "graceful close must run every queued task")
}

func TestCloseWithSkipDrainDiscardsBacklog(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1, Backlog: 10, SkipDrainOnClose: true})

	started := make(chan struct{})
	block := make(chan struct{})
	assert.NoError(t, p.Schedule(func() {
		close(started)
		<-block
	}))
	<-started // first task is now occupying the single worker

	var count int32
	for i := 0; i < 5; i++ {
		assert.NoError(t, p.Schedule(func() { atomic.AddInt32(&count, 1) }))
	}

	close(block) // let the in-flight task finish
	p.Close()

	assert.Less(t, int32(atomic.LoadInt32(&count)), int32(5), "skip-drain must discard at least some queued tasks")
}

func TestWorkerPanicIsRecoveredAndReported(t *testing.T) {
	var reported interface{}
	var wg sync.WaitGroup
	wg.Add(1)

	tr := *trace.Logging
	tr.WorkerPanic = func(r interface{}) {
		reported = r
		wg.Done()
	}
	p := New(context.Background(), Config{
		Workers: 1,
		Trace:   &tr,
	})
	defer p.Close()

	assert.NoError(t, p.Schedule(func() { panic("boom") }))
	wg.Wait()
	assert.Equal(t, "boom", reported)

	// Pool must still be usable after a panic.
	done := make(chan struct{})
	assert.NoError(t, p.Schedule(func() { close(done) }))
	<-done
}

func TestRunEveryStopsOnStopFunc(t *testing.T) {
	p := New(context.Background(), Config{Workers: 1})
	defer p.Close()

	var ticks int32
	stop := p.RunEvery(5*time.Millisecond, func() { atomic.AddInt32(&ticks, 1) })
	time.Sleep(25 * time.Millisecond)
	stop()
	after := atomic.LoadInt32(&ticks)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&ticks), "no further ticks after stop")
	assert.Greater(t, after, int32(0))
}
