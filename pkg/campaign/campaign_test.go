package campaign

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/device/devicetest"
	"github.com/screa/bitrecover/pkg/stats"
	"github.com/screa/bitrecover/pkg/types"
	"github.com/screa/bitrecover/pkg/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func anyTargets(string) (*targets.Set, error) { return targets.NewSet(), nil }

func newCampaign(fleet *devicetest.Fleet, opts ...Option) *Campaign {
	base := []Option{
		WithRegistry(fleet.Registry()),
		WithTargetLoader(anyTargets),
	}
	return New(Config{StatusInterval: time.Millisecond}, append(base, opts...)...)
}

func addAll(t *testing.T, c *Campaign, n int) {
	t.Helper()
	for _, d := range devicetest.Descriptors(n) {
		_, _ = c.AddDevice(d)
	}
}

func assertReleasedOnce(t *testing.T, fleet *devicetest.Fleet, ids ...int) {
	t.Helper()
	for _, id := range ids {
		dev := fleet.Device(id)
		require.NotNil(t, dev, "device %d never opened", id)
		assert.Equal(t, int32(1), dev.DeviceCloses.Load(), "device %d closes", id)
		assert.Equal(t, int32(1), dev.EngineCloses.Load(), "engine %d closes", id)
	}
}

func TestStartStopReleasesEveryDeviceOnce(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8} {
		fleet := devicetest.NewFleet()
		for id := 0; id < n; id++ {
			fleet.Script(id, devicetest.Script{StepDelay: 200 * time.Microsecond})
		}
		c := newCampaign(fleet)
		addAll(t, c, n)
		require.Equal(t, n, c.Len())

		require.NoError(t, c.Start(context.Background()))
		assert.True(t, c.IsAnyActive())

		require.NoError(t, c.StopAll())
		assert.False(t, c.IsAnyActive())

		ids := make([]int, n)
		for i := range ids {
			ids[i] = i
		}
		assertReleasedOnce(t, fleet, ids...)
		for _, s := range c.SnapshotStats() {
			assert.Equal(t, types.StateStopped, s.State)
			assert.False(t, s.Running)
		}
	}
}

func TestStopAllIsIdempotent(t *testing.T) {
	t.Run("twice after start", func(t *testing.T) {
		fleet := devicetest.NewFleet().Script(0, devicetest.Script{StepDelay: time.Millisecond})
		c := newCampaign(fleet)
		addAll(t, c, 1)
		require.NoError(t, c.Start(context.Background()))

		require.NoError(t, c.StopAll())
		require.NoError(t, c.StopAll())
		assertReleasedOnce(t, fleet, 0)
	})

	t.Run("before start", func(t *testing.T) {
		fleet := devicetest.NewFleet()
		c := newCampaign(fleet)
		addAll(t, c, 3)

		require.NoError(t, c.StopAll())
		require.NoError(t, c.StopAll())
		assertReleasedOnce(t, fleet, 0, 1, 2)
		assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
	})

	t.Run("empty campaign", func(t *testing.T) {
		c := newCampaign(devicetest.NewFleet())
		assert.NotPanics(t, func() {
			require.NoError(t, c.StopAll())
			require.NoError(t, c.StopAll())
		})
	})

	t.Run("concurrent callers", func(t *testing.T) {
		fleet := devicetest.NewFleet()
		c := newCampaign(fleet)
		addAll(t, c, 4)
		require.NoError(t, c.Start(context.Background()))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.StopAll())
			}()
		}
		wg.Wait()
		assertReleasedOnce(t, fleet, 0, 1, 2, 3)
	})
}

func TestResultSinkSeesEveryMatchOnce(t *testing.T) {
	const perDevice = 25
	fleet := devicetest.NewFleet()
	for id := 0; id < 6; id++ {
		script := devicetest.Script{Steps: 200}
		if id == 3 {
			script.Matches = perDevice
		}
		fleet.Script(id, script)
	}

	var (
		mu       sync.Mutex
		byDevice = map[int]int{}
		seen     = map[string]bool{}
	)
	sink := stats.ResultSinkFunc(func(m types.MatchResult) {
		mu.Lock()
		defer mu.Unlock()
		byDevice[m.DeviceID]++
		assert.False(t, seen[m.Address], "duplicate match %s", m.Address)
		seen[m.Address] = true
	})

	c := newCampaign(fleet, WithResultSink(sink))
	addAll(t, c, 6)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait(context.Background()))
	require.NoError(t, c.StopAll())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{3: perDevice}, byDevice)
}

func TestStatusSinkIsMonotonicPerWorker(t *testing.T) {
	fleet := devicetest.NewFleet()
	for id := 0; id < 4; id++ {
		fleet.Script(id, devicetest.Script{Steps: 300, KeysPerStep: uint64(id + 1), StepDelay: 20 * time.Microsecond})
	}

	var (
		mu   sync.Mutex
		last = map[int]uint64{}
		bad  atomic.Int32
		seen atomic.Int32
	)
	sink := stats.StatusSinkFunc(func(s types.StatsSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.KeysProcessed < last[s.DeviceID] {
			bad.Add(1)
		}
		last[s.DeviceID] = s.KeysProcessed
		seen.Add(1)
	})

	c := newCampaign(fleet, WithStatusSink(sink))
	addAll(t, c, 4)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait(context.Background()))
	require.NoError(t, c.StopAll())

	assert.Zero(t, bad.Load())
	assert.GreaterOrEqual(t, seen.Load(), int32(8))
	mu.Lock()
	defer mu.Unlock()
	for id := 0; id < 4; id++ {
		assert.Equal(t, uint64(300*(id+1)), last[id])
	}
}

func TestFailedDeviceIsExcluded(t *testing.T) {
	fleet := devicetest.NewFleet().
		Script(0, devicetest.Script{StepDelay: time.Millisecond}).
		Script(1, devicetest.Script{EngineErr: devicetest.ErrInjected}).
		Script(2, devicetest.Script{StepDelay: time.Millisecond})
	c := newCampaign(fleet)

	descs := devicetest.Descriptors(3)
	n, err := c.AddDevice(descs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.AddDevice(descs[1])
	var initErr *worker.DeviceInitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, 1, initErr.DeviceID)
	assert.Equal(t, 1, n)

	n, err = c.AddDevice(descs[2])
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1}, func() []int {
		var ids []int
		for _, d := range c.Excluded() {
			ids = append(ids, d.ID)
		}
		return ids
	}())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		snaps := c.SnapshotStats()
		return len(snaps) == 2 && snaps[0].Running && snaps[1].Running
	}, 5*time.Second, time.Millisecond)
	assert.True(t, c.IsAnyActive())

	require.NoError(t, c.StopAll())
	assert.False(t, c.IsAnyActive())
	assert.Len(t, c.SnapshotStats(), 2)
	assertReleasedOnce(t, fleet, 0, 2)
	// the excluded device was closed when its engine failed, and never again
	assert.Equal(t, int32(1), fleet.Device(1).DeviceCloses.Load())
	assert.Zero(t, fleet.Device(1).EngineCloses.Load())
}

func TestUnsupportedDeviceIsSkipped(t *testing.T) {
	fleet := devicetest.NewFleet()
	c := newCampaign(fleet)
	d := devicetest.Descriptors(1)[0]
	d.Type = "quantum"

	n, err := c.AddDevice(d)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoDevices)
	require.NoError(t, c.StopAll())
}

func TestStartWithoutDevices(t *testing.T) {
	c := newCampaign(devicetest.NewFleet())
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoDevices)
	assert.ErrorIs(t, c.Wait(context.Background()), ErrNotStarted)
	assert.False(t, c.IsAnyActive())
}

func TestMissingTargetFileSpawnsNothing(t *testing.T) {
	fleet := devicetest.NewFleet()
	c := New(Config{TargetsFile: filepath.Join(t.TempDir(), "address.txt")},
		WithRegistry(fleet.Registry()))
	addAll(t, c, 2)

	err := c.Start(context.Background())

	var loadErr *targets.TargetLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, c.Wait(context.Background()), ErrNotStarted)
	assert.False(t, c.IsAnyActive())
	for _, s := range c.SnapshotStats() {
		assert.Equal(t, types.StateReady, s.State)
	}
	for id := 0; id < 2; id++ {
		assert.Zero(t, fleet.Device(id).StepsRun.Load())
	}
	require.NoError(t, c.StopAll())
	assertReleasedOnce(t, fleet, 0, 1)
}

func TestCompressionPassesThrough(t *testing.T) {
	fleet := devicetest.NewFleet().Script(0, devicetest.Script{Steps: 1})
	c := New(Config{Compression: types.Both},
		WithRegistry(fleet.Registry()),
		WithTargetLoader(anyTargets))
	addAll(t, c, 1)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait(context.Background()))
	require.NoError(t, c.StopAll())

	assert.Equal(t, types.Both, fleet.Device(0).Params().Compression)
}

func TestTargetsReachEveryEngine(t *testing.T) {
	set := targets.NewSet()
	require.NoError(t, set.Add("1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm"))
	fleet := devicetest.NewFleet().Script(0, devicetest.Script{Steps: 1}).Script(1, devicetest.Script{Steps: 1})
	c := newCampaign(fleet, WithTargetLoader(func(string) (*targets.Set, error) { return set, nil }))
	addAll(t, c, 2)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.StopAll())

	assert.Same(t, set, fleet.Device(0).Targets())
	assert.Same(t, set, fleet.Device(1).Targets())
}

func TestDeviceRejectingTargetsIsSkipped(t *testing.T) {
	fleet := devicetest.NewFleet().
		Script(0, devicetest.Script{TargetsErr: devicetest.ErrInjected}).
		Script(1, devicetest.Script{Steps: 5})
	c := newCampaign(fleet)
	addAll(t, c, 2)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait(context.Background()))
	require.NoError(t, c.StopAll())

	assert.Zero(t, fleet.Device(0).StepsRun.Load())
	assertReleasedOnce(t, fleet, 0, 1)
}

func TestRuntimeFaultIsIsolated(t *testing.T) {
	fleet := devicetest.NewFleet().
		Script(0, devicetest.Script{FailAt: 2}).
		Script(1, devicetest.Script{StepDelay: time.Millisecond})

	var faults atomic.Int32
	c := newCampaign(fleet, WithFaultHook(func(err *worker.RuntimeSearchError) {
		assert.Equal(t, 0, err.DeviceID)
		faults.Add(1)
	}))
	addAll(t, c, 2)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		s, ok := c.agg.Get(0)
		return ok && s.State == types.StateStopped
	}, 5*time.Second, time.Millisecond)
	assert.True(t, c.IsAnyActive(), "sibling keeps running")
	assert.Equal(t, int32(1), faults.Load())

	require.NoError(t, c.StopAll())
	faultList := c.Faults()
	require.Len(t, faultList, 1)
	assert.ErrorIs(t, faultList[0], devicetest.ErrInjected)
	assertReleasedOnce(t, fleet, 0, 1)
}

func TestStartTwiceAndAddAfterStart(t *testing.T) {
	fleet := devicetest.NewFleet().Script(0, devicetest.Script{StepDelay: time.Millisecond})
	c := newCampaign(fleet)
	addAll(t, c, 1)
	require.NoError(t, c.Start(context.Background()))

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	_, err := c.AddDevice(devicetest.Descriptors(2)[1])
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	require.NoError(t, c.StopAll())
}

func TestContextCancelStopsWorkers(t *testing.T) {
	fleet := devicetest.NewFleet().Script(0, devicetest.Script{StepDelay: time.Millisecond})
	c := newCampaign(fleet)
	addAll(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not observe cancellation")
	}
	assert.False(t, c.IsAnyActive())
	require.NoError(t, c.StopAll())
}

func TestWaitHonorsContext(t *testing.T) {
	fleet := devicetest.NewFleet().Script(0, devicetest.Script{StepDelay: time.Millisecond})
	c := newCampaign(fleet)
	addAll(t, c, 1)
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, c.StopAll())
}

func TestWorkersGetDistinctRanges(t *testing.T) {
	fleet := devicetest.NewFleet()
	c := newCampaign(fleet)
	addAll(t, c, 4)

	seen := map[[32]byte]bool{}
	for id := 0; id < 4; id++ {
		p := fleet.Device(id).Params()
		start := p.Range.Start.Bytes32()
		assert.False(t, seen[start])
		seen[start] = true
	}

	require.NoError(t, c.StopAll())
	assertReleasedOnce(t, fleet, 0, 1, 2, 3)
}

func TestDuplicateDeviceIDIsRejected(t *testing.T) {
	fleet := devicetest.NewFleet().
		Script(0, devicetest.Script{StepDelay: time.Millisecond}).
		Script(1, devicetest.Script{StepDelay: time.Millisecond})
	c := newCampaign(fleet)
	descs := devicetest.Descriptors(2)

	n, err := c.AddDevice(descs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.AddDevice(descs[0])
	var initErr *worker.DeviceInitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, 0, initErr.DeviceID)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
	assert.Equal(t, 1, n)

	n, err = c.AddDevice(descs[1])
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, c.Excluded(), 1)
	assert.Equal(t, 0, c.Excluded()[0].ID)

	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, c.SnapshotStats(), c.Len())
	require.NoError(t, c.StopAll())
	assertReleasedOnce(t, fleet, 0, 1)
}

func TestPanickingCallbacksDoNotStopSiblings(t *testing.T) {
	fleet := devicetest.NewFleet().
		Script(0, devicetest.Script{Steps: 1, Matches: 1}).
		Script(1, devicetest.Script{StepDelay: time.Millisecond}).
		Script(2, devicetest.Script{FailAt: 1})

	status := stats.StatusSinkFunc(func(s types.StatsSnapshot) {
		if s.DeviceID == 0 && s.State == types.StateStopped {
			panic("status sink exploded")
		}
	})
	results := stats.ResultSinkFunc(func(m types.MatchResult) {
		panic("result sink exploded")
	})
	c := newCampaign(fleet,
		WithStatusSink(status),
		WithResultSink(results),
		WithFaultHook(func(*worker.RuntimeSearchError) { panic("fault hook exploded") }))
	addAll(t, c, 3)
	require.NoError(t, c.Start(context.Background()))

	stopped := func(id int) bool {
		s, ok := c.agg.Get(id)
		return ok && s.State == types.StateStopped
	}
	running := func(id int) bool {
		s, ok := c.agg.Get(id)
		return ok && s.State == types.StateRunning
	}
	require.Eventually(t, func() bool {
		return stopped(0) && stopped(2) && running(1)
	}, 5*time.Second, time.Millisecond)

	s0, _ := c.agg.Get(0)
	assert.Equal(t, "range exhausted", s0.Status)
	assert.True(t, c.IsAnyActive())

	require.NoError(t, c.StopAll())
	faults := c.Faults()
	require.Len(t, faults, 1)
	assert.ErrorIs(t, faults[0], devicetest.ErrInjected)
	assertReleasedOnce(t, fleet, 0, 1, 2)
}
