package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresOnDue(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	done := make(chan struct{})

	s := New(func(id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
		close(done)
	})
	defer s.Stop()

	s.Schedule("job1", time.Now().Unix())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onDue was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"job1"}, fired)
}

func TestCancelPreventsFire(t *testing.T) {
	fired := make(chan string, 1)
	s := New(func(id string) { fired <- id })
	defer s.Stop()

	s.Schedule("job1", time.Now().Add(50*time.Millisecond).Unix())
	s.Cancel("job1")

	select {
	case id := <-fired:
		t.Fatalf("expected no fire, got %q", id)
	case <-time.After(200 * time.Millisecond):
	}
	require.False(t, s.Has("job1"))
}

func TestRescheduleInvalidatesOlderEntry(t *testing.T) {
	fired := make(chan string, 4)
	s := New(func(id string) { fired <- id })
	defer s.Stop()

	far := time.Now().Add(time.Hour).Unix()
	now := time.Now().Unix()

	s.Schedule("job1", far)
	s.Schedule("job1", now) // rewrite to fire immediately

	select {
	case id := <-fired:
		require.Equal(t, "job1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled job did not fire")
	}

	// No second fire from the stale far-future heap entry.
	select {
	case id := <-fired:
		t.Fatalf("unexpected second fire: %q", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHasAndStats(t *testing.T) {
	s := New(func(string) {})
	defer s.Stop()

	require.False(t, s.Has("job1"))
	s.Schedule("job1", time.Now().Add(time.Hour).Unix())
	require.True(t, s.Has("job1"))

	stats := s.Stats()
	require.Equal(t, 1, stats.Pending)
}

func TestStopPreventsFutureFires(t *testing.T) {
	fired := make(chan string, 1)
	s := New(func(id string) { fired <- id })

	s.Schedule("job1", time.Now().Add(50*time.Millisecond).Unix())
	s.Stop()

	select {
	case id := <-fired:
		t.Fatalf("expected no fire after Stop, got %q", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMultipleDueAtOnceAllFire(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(3)

	s := New(func(id string) {
		mu.Lock()
		fired[id] = true
		mu.Unlock()
		wg.Done()
	})
	defer s.Stop()

	now := time.Now().Unix()
	s.Schedule("a", now)
	s.Schedule("b", now)
	s.Schedule("c", now)

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all jobs fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, fired["a"])
	require.True(t, fired["b"])
	require.True(t, fired["c"])
}
