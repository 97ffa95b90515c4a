package notify

import (
	"context"
	"log/slog"
	"time"

	"ashen-realm/invader/internal/lifecycle"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
)

const (
	DefaultTimeout          = 2 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second
)

type Options struct {
	// Timeout bounds each sink call.
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Now              func() time.Time
	Logger           logx.Logger
}

type guardedSink struct {
	sink    Sink
	breaker *circuitBreaker
}

// Fanout hands every resolution to each configured sink in turn. A sink that
// keeps failing is skipped until its breaker resets, so the sweep is never
// held up for longer than one timeout per healthy sink.
type Fanout struct {
	sinks   []guardedSink
	timeout time.Duration
	log     logx.Logger
}

func New(opts Options, sinks ...Sink) *Fanout {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = DefaultBreakerReset
	}
	f := &Fanout{timeout: opts.Timeout, log: opts.Logger}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		f.sinks = append(f.sinks, guardedSink{
			sink:    s,
			breaker: newCircuitBreaker(opts.BreakerThreshold, opts.BreakerReset, opts.Now),
		})
	}
	return f
}

// Sinks names the configured sinks.
func (f *Fanout) Sinks() []string {
	out := make([]string, 0, len(f.sinks))
	for _, g := range f.sinks {
		out = append(out, g.sink.Name())
	}
	return out
}

func (f *Fanout) InvasionResolved(ctx context.Context, rec lifecycle.Record) {
	for _, g := range f.sinks {
		name := g.sink.Name()
		if g.breaker.Open() {
			metricsx.IncSinkFailure(name)
			f.log.Debug(ctx, "resolution_sink_skipped", "sink circuit open",
				slog.String("sink", name),
				slog.String("invasion_id", rec.ID),
			)
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := g.sink.Send(sctx, rec)
		cancel()
		if err != nil {
			g.breaker.Fail()
			metricsx.IncSinkFailure(name)
			f.log.Warn(ctx, "resolution_sink_failed", "could not deliver resolution",
				slog.String("sink", name),
				slog.String("invasion_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		g.breaker.Success()
	}
}
