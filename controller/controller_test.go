package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pipeline"
)

type fakeSub struct {
	transport *fakeTransport
	durable   string
	stopped   bool
}

func (s *fakeSub) Durable() string { return s.durable }

func (s *fakeSub) Stop() {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.stopped = true
	s.transport.events = append(s.transport.events, "stop:"+s.durable)
}

type subRecord struct {
	cfg     natsclient.SubscriptionConfig
	handler func(natsclient.Msg)
	sub     *fakeSub
}

type fakeTransport struct {
	mu        sync.Mutex
	unhealthy bool

	subs      []*subRecord
	events    []string
	failSubjs map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failSubjs: make(map[string]bool)}
}

func (t *fakeTransport) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.unhealthy
}

func (t *fakeTransport) setHealthy(healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unhealthy = !healthy
}

func (t *fakeTransport) Publish(_ context.Context, subject string, _ []byte) error {
	return nil
}

func (t *fakeTransport) Subscribe(_ context.Context, cfg natsclient.SubscriptionConfig, handler func(natsclient.Msg)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failSubjs[cfg.Subject] {
		return nil, assert.AnError
	}

	sub := &fakeSub{transport: t, durable: cfg.Durable}
	t.subs = append(t.subs, &subRecord{cfg: cfg, handler: handler, sub: sub})
	t.events = append(t.events, "open:"+cfg.Durable)
	return sub, nil
}

func (t *fakeTransport) openSubjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, r := range t.subs {
		if !r.sub.stopped {
			out = append(out, r.cfg.Subject)
		}
	}
	return out
}

func (t *fakeTransport) find(subject string) *subRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.subs {
		if r.cfg.Subject == subject && !r.sub.stopped {
			return r
		}
	}
	return nil
}

func (t *fakeTransport) eventLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func testConfig(t *testing.T, versionTs int64, pipelines map[string]config.PipelineConfig) *config.Config {
	t.Helper()

	cfg := &config.Config{
		VersionTs: versionTs,
		NATS:      config.NATSConfig{URL: "nats://localhost:4222", Stream: "DENDRA"},
		Pipelines: pipelines,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestController(t *testing.T, transport Transport) *Controller {
	t.Helper()

	c, err := New(Options{
		Transport:        transport,
		Stream:           "DENDRA",
		EvaluatorFactory: pipeline.PassthroughFactory{},
	})
	require.NoError(t, err)
	return c
}

func decodePipeline(sources map[string]config.SourceConfig) config.PipelineConfig {
	return config.PipelineConfig{Flavor: config.FlavorDecode, Sources: sources}
}

func TestReconcileOpensSubscriptionPerSource(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	cfg := testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {
				SubToSubject: "goes.decodePseudoBinary",
				PubToSubject: "goes.decodedObservation",
			},
			"csi": {
				SubToSubject: "csi.decodePseudoBinary",
				PubToSubject: "csi.decodedObservation",
			},
		}),
	})

	c.Reconcile(context.Background(), cfg)

	assert.ElementsMatch(t,
		[]string{"goes.decodePseudoBinary", "csi.decodePseudoBinary"},
		transport.openSubjects())
	assert.Equal(t, int64(100), c.LiveVersion())

	r := transport.find("goes.decodePseudoBinary")
	require.NotNil(t, r)
	assert.Equal(t, "goes_decodePseudoBinary", r.cfg.Durable)
	assert.Equal(t, natsclient.DeliverAll, r.cfg.DeliverPolicy)
	assert.Equal(t, config.DefaultMaxInFlight, r.cfg.MaxAckPending)
	assert.Equal(t, time.Duration(config.DefaultAckWaitMs)*time.Millisecond, r.cfg.AckWait)
}

func TestErrorSubjectDerivesCompanionSource(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	maxInFlight := 3
	cfg := testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {
				SubToSubject:    "goes.decodePseudoBinary",
				PubToSubject:    "goes.decodedObservation",
				ErrorSubject:    "goes.decodeError",
				SubOptions:      config.SubOptions{AckWaitMs: 5000},
				ErrorSubOptions: &config.SubOptions{MaxInFlight: maxInFlight},
			},
		}),
	})

	c.Reconcile(context.Background(), cfg)

	assert.ElementsMatch(t,
		[]string{"goes.decodePseudoBinary", "goes.decodeError"},
		transport.openSubjects())

	r := transport.find("goes.decodeError")
	require.NotNil(t, r)
	// Overlay keeps the primary's ack wait, overrides the in-flight cap,
	// and derives its own durable instead of reusing the primary's.
	assert.Equal(t, 5*time.Second, r.cfg.AckWait)
	assert.Equal(t, maxInFlight, r.cfg.MaxAckPending)
	assert.Equal(t, "goes_decodePseudoBinary_error", r.cfg.Durable)
}

func TestReconfigureClosesOldSubscriptionsFirst(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	sources := map[string]config.SourceConfig{
		"goes": {SubToSubject: "goes.decodePseudoBinary", PubToSubject: "goes.out"},
	}
	c.Reconcile(context.Background(), testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(sources),
	}))
	c.Reconcile(context.Background(), testConfig(t, 200, map[string]config.PipelineConfig{
		"decode": decodePipeline(sources),
	}))

	assert.Equal(t, []string{
		"open:goes_decodePseudoBinary",
		"stop:goes_decodePseudoBinary",
		"open:goes_decodePseudoBinary",
	}, transport.eventLog())
	assert.Equal(t, int64(200), c.LiveVersion())
}

func TestSubscribeFailureIsolatedPerSource(t *testing.T) {
	transport := newFakeTransport()
	transport.failSubjs["bad.subject"] = true
	c := newTestController(t, transport)

	pipelines := map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"good": {SubToSubject: "good.subject", PubToSubject: "good.out"},
			"bad":  {SubToSubject: "bad.subject", PubToSubject: "bad.out"},
		}),
	}
	c.Reconcile(context.Background(), testConfig(t, 100, pipelines))

	assert.Equal(t, []string{"good.subject"}, transport.openSubjects())

	// The failed source recovers on the next snapshot.
	delete(transport.failSubjs, "bad.subject")
	c.Reconcile(context.Background(), testConfig(t, 200, pipelines))
	assert.ElementsMatch(t, []string{"good.subject", "bad.subject"}, transport.openSubjects())
}

func TestUnhealthyTransportDropsHandlesWithoutClosing(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	cfg := testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {SubToSubject: "goes.decodePseudoBinary", PubToSubject: "goes.out"},
		}),
	})
	c.Reconcile(context.Background(), cfg)
	require.Len(t, transport.openSubjects(), 1)

	transport.setHealthy(false)
	c.Reconcile(context.Background(), cfg)

	// The dead connection's handle is dropped, not stopped, and nothing
	// reopens while the transport stays down.
	transport.mu.Lock()
	stopped := transport.subs[0].sub.stopped
	transport.mu.Unlock()
	assert.False(t, stopped)
	assert.Len(t, transport.subs, 1)

	transport.setHealthy(true)
	c.Reconcile(context.Background(), cfg)
	assert.Len(t, transport.subs, 2, "subscription reopens once healthy")
}

func TestRemovedPipelineIsTornDown(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	c.Reconcile(context.Background(), testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {SubToSubject: "goes.decodePseudoBinary", PubToSubject: "goes.out"},
		}),
	}))
	c.Reconcile(context.Background(), testConfig(t, 200, nil))

	assert.Empty(t, transport.openSubjects())
}

func TestStartAtTimeDeltaUsesStartTimePolicy(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	delta := int64(3600000)
	before := time.Now()
	c.Reconcile(context.Background(), testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {
				SubToSubject: "goes.decodePseudoBinary",
				PubToSubject: "goes.out",
				SubOptions:   config.SubOptions{StartAtTimeDelta: delta},
			},
		}),
	}))

	r := transport.find("goes.decodePseudoBinary")
	require.NotNil(t, r)
	assert.Equal(t, natsclient.DeliverByStartTime, r.cfg.DeliverPolicy)
	want := before.Add(-time.Hour)
	assert.WithinDuration(t, want, r.cfg.StartTime, 5*time.Second)
}

func TestShutdownStopsEverything(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	c.Reconcile(context.Background(), testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {SubToSubject: "goes.decodePseudoBinary", PubToSubject: "goes.out"},
		}),
	}))
	c.Shutdown()

	assert.Empty(t, transport.openSubjects())

	// Shutdown is idempotent.
	c.Shutdown()
}

func TestRunAppliesUpdatesUntilCancelled(t *testing.T) {
	transport := newFakeTransport()
	c := newTestController(t, transport)

	sc := config.NewSafeConfig(testConfig(t, 100, map[string]config.PipelineConfig{
		"decode": decodePipeline(map[string]config.SourceConfig{
			"goes": {SubToSubject: "goes.decodePseudoBinary", PubToSubject: "goes.out"},
		}),
	}))

	updates := make(chan config.Update, 1)
	updates <- config.Update{VersionTs: 100, Config: sc}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, updates) }()

	require.Eventually(t, func() bool {
		return len(transport.openSubjects()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, transport.openSubjects())
}

func TestBuildSourcesNormalizesKeys(t *testing.T) {
	sources := buildSources(config.PipelineConfig{
		Flavor: config.FlavorDecode,
		Sources: map[string]config.SourceConfig{
			"a": {SubToSubject: "goes.decode.v1", ErrorSubject: "goes.decode.err"},
		},
	})

	require.Len(t, sources, 2)
	require.Contains(t, sources, "goes_decode_v1")
	require.Contains(t, sources, "goes_decode_v1$error")

	companion := sources["goes_decode_v1$error"]
	assert.True(t, companion.isError)
	assert.Equal(t, "goes.decode.err", companion.cfg.SubToSubject)
}
