package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/browser/browsertest"
)

func TestPoolBoundsConcurrentSessions(t *testing.T) {
	t.Parallel()

	const size, extra = 3, 4
	factory := browsertest.NewFactory(nil)
	p, err := New(size, factory, nil)
	require.NoError(t, err)

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	release := make(chan struct{})
	for i := 0; i < size+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context, browser.Session) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool { return running.Load() == size }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(size), running.Load(), "task beyond capacity started before a slot freed")
	require.Equal(t, size, p.Active())

	close(release)
	wg.Wait()
	require.Equal(t, int32(size), peak.Load())
	require.Equal(t, size, factory.MaxOpen())
	require.Equal(t, 0, factory.Open())
	require.Equal(t, size+extra, factory.Opened())
}

func TestPoolAdmitsInFIFOOrder(t *testing.T) {
	t.Parallel()

	p, err := New(1, browsertest.NewFactory(nil), nil)
	require.NoError(t, err)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context, browser.Session) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context, browser.Session) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(15 * time.Millisecond)
	}
	close(hold)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPoolReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()

	factory := browsertest.NewFactory(nil)
	p, err := New(1, factory, nil)
	require.NoError(t, err)

	boom := errors.New("fetch failed")
	require.ErrorIs(t, p.Do(context.Background(), func(context.Context, browser.Session) error { return boom }), boom)

	require.Panics(t, func() {
		_ = p.Do(context.Background(), func(context.Context, browser.Session) error { panic("page crashed") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Do(ctx, func(context.Context, browser.Session) error { return nil }))
	require.Equal(t, 0, factory.Open())
	require.Equal(t, 0, p.Active())
}

func TestPoolWaitHonoursContext(t *testing.T) {
	t.Parallel()

	p, err := New(1, browsertest.NewFactory(nil), nil)
	require.NoError(t, err)
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		_ = p.Do(context.Background(), func(context.Context, browser.Session) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Active() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Do(ctx, func(context.Context, browser.Session) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolSessionOpenFailureFreesSlot(t *testing.T) {
	t.Parallel()

	factory := browsertest.NewFactory(nil)
	factory.NewErr = errors.New("chrome missing")
	p, err := New(1, factory, nil)
	require.NoError(t, err)

	require.ErrorContains(t, p.Do(context.Background(), func(context.Context, browser.Session) error { return nil }), "chrome missing")
	require.Equal(t, 0, p.Active())
}

func TestPoolCloseDrains(t *testing.T) {
	t.Parallel()

	p, err := New(2, browsertest.NewFactory(nil), nil)
	require.NoError(t, err)
	require.Equal(t, 2, p.Size())

	var finished atomic.Bool
	go func() {
		_ = p.Do(context.Background(), func(context.Context, browser.Session) error {
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Active() == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	require.True(t, finished.Load(), "Close returned before running work finished")
	require.ErrorIs(t, p.Do(context.Background(), func(context.Context, browser.Session) error { return nil }), ErrClosed)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(1, nil, nil)
	require.Error(t, err)
	p, err := New(0, browsertest.NewFactory(nil), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSize, p.Size())
}
