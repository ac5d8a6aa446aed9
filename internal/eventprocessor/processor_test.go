package eventprocessor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/proc-enroller/internal/metrics"
	"github.com/mrzor/proc-enroller/internal/policy"
	"github.com/mrzor/proc-enroller/internal/procevent"
	"github.com/mrzor/proc-enroller/internal/procstatus"
	"github.com/mrzor/proc-enroller/internal/timesync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

// fakeResolver serves names from a map; missing tgids are reported as gone.
type fakeResolver struct {
	names map[uint32]string
	errs  map[uint32]error
}

func (r *fakeResolver) ProcessName(tgid uint32) (string, error) {
	if err, ok := r.errs[tgid]; ok {
		return "", err
	}
	name, ok := r.names[tgid]
	if !ok {
		return "", fmt.Errorf("pid %d: %w", tgid, procstatus.ErrProcessGone)
	}
	return name, nil
}

type write struct {
	group string
	line  string
}

// fakeEnroller records writes the way the cgroup sink would format them.
type fakeEnroller struct {
	mu     sync.Mutex
	writes []write
	err    error
	block  chan struct{}
}

func (e *fakeEnroller) Enroll(_ context.Context, group string, pid uint32) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.writes = append(e.writes, write{group: group, line: fmt.Sprintf("%d\n", pid)})
	return nil
}

func (e *fakeEnroller) Writes() []write {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]write(nil), e.writes...)
}

func execRecord(pid, tgid uint32) procevent.Record {
	r := procevent.Record{What: procevent.WhatExec, Timestamp: 5_000_000_000}
	binary.NativeEndian.PutUint32(r.Data[0:], pid)
	binary.NativeEndian.PutUint32(r.Data[4:], tgid)
	return r
}

func leaguePolicy(t *testing.T) *policy.Table {
	t.Helper()
	table, err := policy.New([]policy.Rule{
		{Kind: policy.KindPrefix, Pattern: "League of", Group: "league_game"},
	})
	require.NoError(t, err)
	return table
}

func TestProcessor_NoMatchingRule(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{100: "Notepad"}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(100, 100)))
	p.Wait()

	assert.Empty(t, enroller.Writes())
}

func TestProcessor_MatchingPrefixEnrolls(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{200: "League of Legen"}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(timesync.NewConverterAt(time.Unix(1_700_000_000, 0))),
	)

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(200, 200)))
	p.Wait()

	assert.Equal(t, []write{{group: "league_game", line: "200\n"}}, enroller.Writes())
}

func TestProcessor_EnrollsThreadGroup(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{300: "League of Legends"}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(305, 300)))
	p.Wait()

	assert.Equal(t, []write{{group: "league_game", line: "300\n"}}, enroller.Writes())
}

func TestProcessor_ProcessGoneThenContinues(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{201: "League of Legen"}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(999, 999)))
	require.NoError(t, p.HandleEvent(context.Background(), execRecord(201, 201)))
	p.Wait()

	assert.Equal(t, []write{{group: "league_game", line: "201\n"}}, enroller.Writes())
}

func TestProcessor_LookupErrorDropped(t *testing.T) {
	resolver := &fakeResolver{errs: map[uint32]error{7: errors.New("permission denied")}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(7, 7)))
	p.Wait()

	assert.Empty(t, enroller.Writes())
}

func TestProcessor_IgnoresNonExec(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{1: "League of Legen", 2: "League of Legen"}}
	enroller := &fakeEnroller{}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	fork := procevent.Record{What: procevent.WhatFork}
	binary.NativeEndian.PutUint32(fork.Data[0:], 1)
	binary.NativeEndian.PutUint32(fork.Data[4:], 1)
	binary.NativeEndian.PutUint32(fork.Data[8:], 2)
	binary.NativeEndian.PutUint32(fork.Data[12:], 2)

	exit := procevent.Record{What: procevent.WhatExit}
	binary.NativeEndian.PutUint32(exit.Data[0:], 1)
	binary.NativeEndian.PutUint32(exit.Data[4:], 1)

	for _, rec := range []procevent.Record{fork, exit, {What: procevent.WhatNone}, {What: 0x12345}} {
		require.NoError(t, p.HandleEvent(context.Background(), rec))
	}
	p.Wait()

	assert.Empty(t, enroller.Writes())
}

func TestProcessor_UnsupportedKindsShareOneLabel(t *testing.T) {
	m := metrics.New()
	p := NewProcessor(&fakeResolver{}, leaguePolicy(t), &fakeEnroller{},
		WithLogger(zaptest.NewLogger(t)), WithMetrics(m))

	for _, what := range []procevent.What{procevent.WhatFork, procevent.WhatExit, 0x12345, 0x54321, 0x7fff0000} {
		require.NoError(t, p.HandleEvent(context.Background(), procevent.Record{What: what}))
	}
	p.Wait()

	expected := `
# HELP proc_enroller_events_decoded_total Process events decoded, by kind.
# TYPE proc_enroller_events_decoded_total counter
proc_enroller_events_decoded_total{kind="fork"} 1
proc_enroller_events_decoded_total{kind="unsupported"} 4
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "proc_enroller_events_decoded_total"))
}

func TestProcessor_EnrollFailureDoesNotStopProcessing(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{10: "League of Legen", 11: "League of Legen"}}
	enroller := &fakeEnroller{err: errors.New("open cgroup.procs: permission denied")}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(10, 10)))
	require.NoError(t, p.HandleEvent(context.Background(), execRecord(11, 11)))
	p.Wait()

	assert.Empty(t, enroller.Writes())
}

func TestProcessor_DispatchIsDetached(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{200: "League of Legen"}}
	enroller := &fakeEnroller{block: make(chan struct{})}
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	done := make(chan struct{})
	go func() {
		_ = p.HandleEvent(context.Background(), execRecord(200, 200))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleEvent blocked on a pending enrollment")
	}

	close(enroller.block)
	p.Wait()
	assert.Len(t, enroller.Writes(), 1)
}

func TestProcessor_CancelledContextDoesNotAbortWrite(t *testing.T) {
	resolver := &fakeResolver{names: map[uint32]string{200: "League of Legen"}}
	var seen error
	enroller := enrollFunc(func(ctx context.Context, _ string, _ uint32) error {
		seen = ctx.Err()
		return nil
	})
	p := NewProcessor(resolver, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.HandleEvent(ctx, execRecord(200, 200)))
	cancel()
	p.Wait()

	assert.NoError(t, seen)
}

func TestProcessor_EnrollmentSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	resolver := &fakeResolver{names: map[uint32]string{200: "League of Legen"}}
	enroller := &fakeEnroller{err: errors.New("no such group")}
	p := NewProcessor(resolver, leaguePolicy(t), enroller,
		WithLogger(zaptest.NewLogger(t)),
		WithTracer(tp.Tracer("test")),
	)

	require.NoError(t, p.HandleEvent(context.Background(), execRecord(200, 200)))
	p.Wait()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "enroll", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestProcessor_EnrollExisting(t *testing.T) {
	enroller := &fakeEnroller{}
	p := NewProcessor(&fakeResolver{}, leaguePolicy(t), enroller, WithLogger(zaptest.NewLogger(t)))

	n := p.EnrollExisting(context.Background(), []procstatus.Process{
		{Pid: 1, Name: "systemd"},
		{Pid: 42, Name: "League of Legends"},
	})
	p.Wait()

	assert.Equal(t, 1, n)
	assert.Equal(t, []write{{group: "league_game", line: "42\n"}}, enroller.Writes())
}

type enrollFunc func(ctx context.Context, group string, pid uint32) error

func (f enrollFunc) Enroll(ctx context.Context, group string, pid uint32) error {
	return f(ctx, group, pid)
}
