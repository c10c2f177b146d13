package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/log"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
	"github.com/wolfwarden/wolfwarden/pkg/realtime"
	"github.com/wolfwarden/wolfwarden/pkg/upstream"
)

var logger = log.ForService("ingest")

// reconnectPause separates two upstream streams when the previous one ended
// cleanly (e.g. the host restarted) or the retry budget was spent.
const reconnectPause = time.Second

// Pipeline owns the single ordered unit per event: normalize, append to the
// log, apply to the projector, publish to the hub. It runs on one goroutine,
// so no two events can have their apply/publish steps interleaved.
type Pipeline struct {
	reader     *upstream.EventReader
	normalizer *Normalizer
	eventLog   *eventlog.Log
	projector  *projector.Projector
	hub        *realtime.Hub
	retainRaw  bool
}

// NewPipeline wires the ingestion pipeline together.
func NewPipeline(reader *upstream.EventReader, normalizer *Normalizer, eventLog *eventlog.Log, proj *projector.Projector, hub *realtime.Hub, retainRaw bool) *Pipeline {
	return &Pipeline{
		reader:     reader,
		normalizer: normalizer,
		eventLog:   eventLog,
		projector:  proj,
		hub:        hub,
		retainRaw:  retainRaw,
	}
}

// Run consumes the upstream event stream until ctx is cancelled or a
// persistence failure halts ingestion. Clean stream ends, broken streams,
// and spent retry budgets all reopen the stream after a pause; only
// append/projection failures abort the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		err := p.reader.Stream(ctx, func(raw []byte) error {
			return p.handle(ctx, raw)
		})

		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			// Upstream closed the stream; likely a host restart.
			logger.Warnf("upstream stream ended, reconnecting in %s", reconnectPause)
		case errors.Is(err, core.ErrStreamInterrupted):
			logger.Errorf("upstream stream broken: %v; reconnecting in %s", err, reconnectPause)
		case errors.Is(err, core.ErrRetryExhausted):
			logger.Errorf("upstream unreachable: %v; trying again in %s", err, reconnectPause)
		default:
			// Append/projection failures stop ingestion: advancing past an
			// unpersisted event would corrupt the log's ordering contract.
			return fmt.Errorf("ingestion halted: %w", err)
		}

		select {
		case <-time.After(reconnectPause):
		case <-ctx.Done():
			return nil
		}
	}
}

// handle processes one raw upstream payload through the ordered unit.
// Normalization failures are local to the payload and never interrupt the
// stream; persistence failures are returned and halt it.
func (p *Pipeline) handle(ctx context.Context, raw []byte) error {
	evt, err := p.normalizer.Normalize(raw)
	if err != nil {
		var nerr *core.NormalizationError
		if !errors.As(err, &nerr) {
			return err
		}
		if !p.retainRaw {
			logger.Warnf("dropping unmapped upstream payload: %s", nerr.Reason)
			return nil
		}
		logger.Debugf("storing unmapped upstream payload as passthrough: %s", nerr.Reason)
		evt = p.normalizer.Passthrough(raw)
	}

	appended, err := p.eventLog.Append(ctx, evt)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if err := p.projector.Apply(ctx, appended); err != nil {
		return fmt.Errorf("projecting event %d: %w", appended.Seq, err)
	}
	p.hub.Publish(appended)

	logger.Debugf("ingested event seq=%d kind=%s scope=%s", appended.Seq, appended.Kind, appended.UserScope)
	return nil
}
