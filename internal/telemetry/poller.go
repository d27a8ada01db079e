// Package telemetry polls a telemetry source and feeds each snapshot to the viewer.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/metrics"
)

// Sink receives every successful snapshot. *viewer.Viewer satisfies this.
type Sink interface {
	ApplyTelemetry(ctx context.Context, rows []facility.TelemetryRow)
}

// Recorder persists snapshots read from a live source. *facility.Postgres satisfies this.
type Recorder interface {
	Record(ctx context.Context, rows []facility.TelemetryRow) error
}

type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration
	// Recorder is optional; when set each snapshot is stored before it is applied.
	Recorder Recorder
}

type Poller struct {
	log        zerolog.Logger
	source     facility.TelemetrySource
	sink       Sink
	recorder   Recorder
	interval   time.Duration
	timeout    time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Metrics
}

func New(log zerolog.Logger, source facility.TelemetrySource, sink Sink, opts Options, m *metrics.Metrics) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Poller{
		log:        log.With().Str("component", "telemetry").Logger(),
		source:     source,
		sink:       sink,
		recorder:   opts.Recorder,
		interval:   interval,
		timeout:    timeout,
		maxBackoff: maxBackoff,
		metrics:    m,
	}
}

// Run polls until ctx is done. The first poll happens immediately; failures back off exponentially.
func (p *Poller) Run(ctx context.Context) {
	if p == nil || p.source == nil || p.sink == nil {
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		timer.Reset(backoffDuration(p.interval, consecutiveFailures, p.maxBackoff))
	}
}

// PollOnce reads one snapshot and hands it to the sink. A failed read leaves the previous snapshot in
// place.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()

	readCtx, cancel := context.WithTimeout(ctx, p.timeout)
	rows, err := p.source.Latest(readCtx)
	cancel()
	if err != nil {
		p.metrics.ObserveTelemetryPoll("error", time.Since(start))
		if errors.Is(err, facility.ErrBackendUnavailable) {
			p.log.Warn().Err(err).Msg("telemetry source unavailable; keeping previous snapshot")
		} else {
			p.log.Error().Err(err).Msg("telemetry poll failed")
		}
		return err
	}

	if p.recorder != nil && len(rows) > 0 {
		if err := p.recorder.Record(ctx, rows); err != nil {
			p.metrics.IncBackendFallback("telemetry_record")
			p.log.Warn().Err(err).Int("rows", len(rows)).Msg("failed to record telemetry snapshot")
		}
	}

	p.sink.ApplyTelemetry(ctx, rows)
	p.metrics.ObserveTelemetryPoll("ok", time.Since(start))
	p.log.Debug().Int("rows", len(rows)).Dur("took", time.Since(start)).Msg("telemetry applied")
	return nil
}

func backoffDuration(base time.Duration, failures int, max time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if failures <= 0 {
		return base
	}

	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if max > 0 && d > max {
		return max
	}
	return d
}
