package eventprocessor

import (
	"context"
	"errors"
	"sync"

	"github.com/mrzor/proc-enroller/internal/metrics"
	"github.com/mrzor/proc-enroller/internal/procevent"
	"github.com/mrzor/proc-enroller/internal/procstatus"
	"github.com/mrzor/proc-enroller/internal/timesync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// NameResolver looks up the current name of a thread group.
type NameResolver interface {
	ProcessName(tgid uint32) (string, error)
}

// Matcher maps a process name to a target group.
type Matcher interface {
	Match(name string) (group string, ok bool)
}

// Enroller adds a process to a group.
type Enroller interface {
	Enroll(ctx context.Context, group string, pid uint32) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithMetrics sets the counters updated per event.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracer sets the tracer used for enrollment spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) { p.tracer = tracer }
}

// WithClock sets the converter used to report exec times.
func WithClock(c *timesync.Converter) Option {
	return func(p *Processor) { p.clock = c }
}

// Processor filters exec events and dispatches enrollments.
type Processor struct {
	resolver NameResolver
	matcher  Matcher
	enroller Enroller

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	clock   *timesync.Converter

	inflight sync.WaitGroup
}

// NewProcessor creates a new event processor.
func NewProcessor(resolver NameResolver, matcher Matcher, enroller Enroller, opts ...Option) *Processor {
	p := &Processor{
		resolver: resolver,
		matcher:  matcher,
		enroller: enroller,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleEvent decodes rec and routes it by kind. It never returns an error
// for data the pipeline is expected to drop.
func (p *Processor) HandleEvent(ctx context.Context, rec procevent.Record) error {
	ev := procevent.Decode(rec)
	kind := metrics.KindUnsupported
	if _, unsupported := ev.(procevent.Unsupported); !unsupported {
		kind = ev.Kind().String()
	}
	p.metrics.Event(kind)

	switch ev := ev.(type) {
	case procevent.Exec:
		p.handleExec(ctx, rec, ev)
	case procevent.Fork:
		p.logger.Debug("fork",
			zap.Uint32("parent_tgid", ev.ParentTgid),
			zap.Uint32("child_pid", ev.ChildPid),
			zap.Uint32("child_tgid", ev.ChildTgid),
		)
	default:
		// None and Unsupported carry nothing to act on
	}
	return nil
}

// handleExec resolves the process name and dispatches enrollment on a match.
func (p *Processor) handleExec(ctx context.Context, rec procevent.Record, ev procevent.Exec) {
	name, err := p.resolver.ProcessName(ev.Tgid)
	if err != nil {
		if errors.Is(err, procstatus.ErrProcessGone) {
			p.metrics.Drop(metrics.DropGone)
			return
		}
		p.metrics.Drop(metrics.DropLookup)
		p.logger.Warn("resolving process name", zap.Uint32("tgid", ev.Tgid), zap.Error(err))
		return
	}

	fields := []zap.Field{zap.Uint32("pid", ev.Pid), zap.Uint32("tgid", ev.Tgid), zap.String("name", name)}
	if p.clock != nil {
		fields = append(fields, zap.Time("exec_time", p.clock.WallClock(rec.Timestamp)))
	}

	group, ok := p.matcher.Match(name)
	if !ok {
		p.metrics.Drop(metrics.DropNoMatch)
		p.logger.Debug("exec", fields...)
		return
	}

	p.dispatch(ctx, group, ev.Tgid, name, fields)
}

// EnrollExisting matches and enrolls processes that were running before the
// feed was subscribed. Enrollments are dispatched the same way as for exec events.
func (p *Processor) EnrollExisting(ctx context.Context, procs []procstatus.Process) int {
	dispatched := 0
	for _, proc := range procs {
		group, ok := p.matcher.Match(proc.Name)
		if !ok {
			continue
		}
		p.dispatch(ctx, group, proc.Pid, proc.Name, []zap.Field{
			zap.Uint32("pid", proc.Pid),
			zap.String("name", proc.Name),
			zap.Bool("existing", true),
		})
		dispatched++
	}
	return dispatched
}

// dispatch runs the enrollment on its own goroutine. The caller's
// cancellation is not propagated: a started write is allowed to finish.
func (p *Processor) dispatch(ctx context.Context, group string, pid uint32, name string, fields []zap.Field) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With(append(fields, zap.String("group", group))...)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		ctx, span := p.tracer.Start(ctx, "enroll", trace.WithAttributes(
			attribute.Int64("process.pid", int64(pid)),
			attribute.String("process.name", name),
			attribute.String("cgroup.name", group),
		))
		defer span.End()

		err := p.enroller.Enroll(ctx, group, pid)
		p.metrics.Enrollment(group, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("enrolling process", zap.Error(err))
			return
		}
		logger.Info("enrolled process")
	}()
}

// Wait blocks until all dispatched enrollments have finished.
func (p *Processor) Wait() {
	p.inflight.Wait()
}
