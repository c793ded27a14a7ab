package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/audio"
	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/pipeline"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// eventLog records the order of side effects across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

type fakePipeline struct {
	log       *eventLog
	alive     atomic.Bool
	teardowns atomic.Int32
	live      *atomic.Int32
}

func (p *fakePipeline) Alive() bool { return p.alive.Load() }

func (p *fakePipeline) Teardown() error {
	if p.teardowns.Add(1) == 1 {
		p.alive.Store(false)
		p.live.Add(-1)
		p.log.add("teardown")
	}
	return nil
}

type fakeLauncher struct {
	log     *eventLog
	err     error
	gate    chan struct{} // when set, Launch blocks until closed
	started chan struct{}

	mu        sync.Mutex
	pipelines []*fakePipeline
	paths     []string
	settings  []audio.Settings

	live    atomic.Int32
	maxLive atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context, path string, s audio.Settings) (Pipeline, error) {
	l.log.add("launch")
	if l.started != nil {
		l.started <- struct{}{}
	}
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	p := &fakePipeline{log: l.log, live: &l.live}
	p.alive.Store(true)
	if n := l.live.Add(1); n > l.maxLive.Load() {
		l.maxLive.Store(n)
	}

	l.mu.Lock()
	l.pipelines = append(l.pipelines, p)
	l.paths = append(l.paths, path)
	l.settings = append(l.settings, s)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) launched() []*fakePipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pipelines)
}

type fakeIndicator struct{ log *eventLog }

func (i fakeIndicator) IndicateRecording(ctx context.Context, on bool) {
	if on {
		i.log.add("light:on")
	} else {
		i.log.add("light:off")
	}
}

type fakeProber struct{ s audio.Settings }

func (p fakeProber) Probe(ctx context.Context) audio.Settings { return p.s }

func newTestController(t *testing.T, opts Options, options ...Option) (*Controller, *fakeLauncher, *eventLog) {
	t.Helper()
	log := &eventLog{}
	l := &fakeLauncher{log: log}
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	options = append([]Option{WithIndicator(fakeIndicator{log})}, options...)
	return New(l, opts, options...), l, log
}

func TestStart_LightAfterPipeline(t *testing.T) {
	c, l, log := newTestController(t, Options{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Status() != StatusRecording || !c.IsRecording() {
		t.Errorf("status = %s, want recording", c.Status())
	}
	if want := []string{"launch", "light:on"}; !slices.Equal(log.list(), want) {
		t.Errorf("events = %v, want %v", log.list(), want)
	}
	if len(l.launched()) != 1 {
		t.Errorf("Expected one pipeline, got %d", len(l.launched()))
	}
}

func TestStart_WhileActive(t *testing.T) {
	c, l, _ := newTestController(t, Options{})
	c.Start(context.Background())

	err := c.Start(context.Background())
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("Expected ErrAlreadyActive, got: %v", err)
	}
	if len(l.launched()) != 1 {
		t.Errorf("Second Start must not launch, got %d pipelines", len(l.launched()))
	}
}

func TestStart_LaunchFailure(t *testing.T) {
	c, l, log := newTestController(t, Options{})
	l.err = fmt.Errorf("%w: arecord: audio open error", pipeline.ErrLaunchFailed)

	err := c.Start(context.Background())
	if !errors.Is(err, pipeline.ErrLaunchFailed) {
		t.Fatalf("Expected ErrLaunchFailed, got: %v", err)
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if slices.Contains(log.list(), "light:on") {
		t.Error("Light must not be engaged when the pipeline failed")
	}
	if info := c.Snapshot(); info.File != "" || info.StartedAt != nil {
		t.Errorf("No session should exist after failure: %+v", info)
	}
}

func TestStop_LightBeforeTeardown(t *testing.T) {
	c, _, log := newTestController(t, Options{})
	c.Start(context.Background())
	c.Stop(context.Background(), ReasonRequest)

	want := []string{"launch", "light:on", "light:off", "teardown"}
	if !slices.Equal(log.list(), want) {
		t.Errorf("events = %v, want %v", log.list(), want)
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
}

func TestStop_Idempotent(t *testing.T) {
	c, l, log := newTestController(t, Options{})

	c.Stop(context.Background(), ReasonRequest)
	if len(log.list()) != 0 {
		t.Errorf("Stop while idle should do nothing, got %v", log.list())
	}

	c.Start(context.Background())
	c.Stop(context.Background(), ReasonRequest)
	c.Stop(context.Background(), ReasonRequest)

	if n := l.launched()[0].teardowns.Load(); n != 1 {
		t.Errorf("teardowns = %d, want 1", n)
	}
	if n := len(slices.DeleteFunc(log.list(), func(e string) bool { return e != "light:off" })); n != 1 {
		t.Errorf("light switched off %d times, want 1", n)
	}
}

func TestToggle(t *testing.T) {
	c, l, _ := newTestController(t, Options{})
	ctx := context.Background()

	if err := c.Toggle(ctx); err != nil {
		t.Fatalf("first Toggle: %v", err)
	}
	if !c.IsRecording() {
		t.Fatal("Expected recording after first toggle")
	}
	if err := c.Toggle(ctx); err != nil {
		t.Fatalf("second Toggle: %v", err)
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if l.launched()[0].Alive() {
		t.Error("Pipeline should be torn down")
	}
}

func TestToggle_Concurrent(t *testing.T) {
	c, l, _ := newTestController(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Toggle(ctx)
		}()
	}
	wg.Wait()

	if n := l.maxLive.Load(); n > 1 {
		t.Errorf("%d pipelines were live at once", n)
	}
	// an even number of toggles ends idle
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
}

func TestStop_WaitsForStartInProgress(t *testing.T) {
	c, l, log := newTestController(t, Options{})
	l.gate = make(chan struct{})
	l.started = make(chan struct{}, 1)
	ctx := context.Background()

	startDone := make(chan error, 1)
	go func() { startDone <- c.Start(ctx) }()
	<-l.started
	if c.Status() != StatusStarting {
		t.Fatalf("status = %s, want starting", c.Status())
	}

	stopDone := make(chan struct{})
	go func() {
		c.Stop(ctx, ReasonWatchdog)
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop must wait for the in-flight Start")
	case <-time.After(50 * time.Millisecond):
	}

	close(l.gate)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-stopDone

	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	want := []string{"launch", "light:on", "light:off", "teardown"}
	if !slices.Equal(log.list(), want) {
		t.Errorf("events = %v, want %v", log.list(), want)
	}
}

func TestSupervise_MaxDuration(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c, l, _ := newTestController(t, Options{MaxDuration: time.Hour}, WithClock(clock))
	ctx := context.Background()

	c.Start(ctx)
	now = now.Add(59 * time.Minute)
	if c.Supervise(ctx) {
		t.Fatal("Stopped before the limit")
	}
	now = now.Add(time.Minute)
	if !c.Supervise(ctx) {
		t.Fatal("Expected stop at the limit")
	}
	if c.Status() != StatusIdle || l.launched()[0].Alive() {
		t.Error("Recording should be stopped")
	}
}

func TestSupervise_DeadPipeline(t *testing.T) {
	c, l, _ := newTestController(t, Options{})
	ctx := context.Background()

	if c.Supervise(ctx) {
		t.Error("Nothing to supervise while idle")
	}
	c.Start(ctx)
	if c.Supervise(ctx) {
		t.Error("Healthy pipeline should not be stopped")
	}

	l.launched()[0].alive.Store(false)
	if !c.Supervise(ctx) {
		t.Fatal("Dead pipeline should end the session")
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}
}

func TestOutputNamingAndSettings(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 15, 30, 0, time.Local)
	probed := audio.Settings{Device: "hw:1,0", Format: "S24_3LE", Channels: 2}
	c, l, _ := newTestController(t, Options{Directory: "/srv/recordings"},
		WithClock(func() time.Time { return now }), WithProber(fakeProber{probed}))

	want := filepath.Join("/srv/recordings", "audio-recorder-2024-03-01-20-15-30.mp3")
	if got := c.OutputPath(now); got != want {
		t.Errorf("OutputPath = %s, want %s", got, want)
	}

	c.Start(context.Background())
	if l.paths[0] != want {
		t.Errorf("launched with %s, want %s", l.paths[0], want)
	}
	if l.settings[0] != probed {
		t.Errorf("launched with %+v, want %+v", l.settings[0], probed)
	}

	info := c.Snapshot()
	if info.Status != "recording" || info.File != want || info.StartedAt == nil || !info.StartedAt.Equal(now) {
		t.Errorf("Unexpected snapshot %+v", info)
	}
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	c, _, _ := newTestController(t, Options{}, WithMetrics(m))
	c.Toggle(context.Background())
	c.Toggle(context.Background())

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "psrecorder.recording.duration" {
				continue
			}
			found = true
			if dp := met.Data.(metricdata.Histogram[float64]).DataPoints; len(dp) != 1 || dp[0].Count != 1 {
				t.Errorf("Unexpected duration data %+v", dp)
			}
		}
	}
	if !found {
		t.Error("recording duration not recorded")
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{
		StatusIdle: "idle", StatusStarting: "starting", StatusRecording: "recording", StatusStopping: "stopping",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

type namedIndicator struct {
	name string
	log  *eventLog
}

func (i namedIndicator) IndicateRecording(ctx context.Context, on bool) {
	i.log.add(fmt.Sprintf("%s:%t", i.name, on))
}

func TestIndicatorsNotifiedInOrder(t *testing.T) {
	log := &eventLog{}
	l := &fakeLauncher{log: log}
	c := New(l, Options{Directory: t.TempDir()},
		WithIndicator(namedIndicator{"bulb", log}),
		WithIndicator(nil),
		WithIndicator(namedIndicator{"mqtt", log}),
	)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop(context.Background(), ReasonRequest)

	want := []string{"launch", "bulb:true", "mqtt:true", "bulb:false", "mqtt:false", "teardown"}
	if got := log.list(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSnapshot_SessionID(t *testing.T) {
	c, _, _ := newTestController(t, Options{})

	if c.Snapshot().ID != "" {
		t.Error("idle snapshot should carry no session id")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := c.Snapshot().ID
	if len(first) != 36 {
		t.Errorf("expected a UUID session id, got %q", first)
	}
	c.Stop(context.Background(), ReasonRequest)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if second := c.Snapshot().ID; second == first {
		t.Error("each recording should get a fresh session id")
	}
	c.Stop(context.Background(), ReasonRequest)
}
