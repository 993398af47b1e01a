package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"lingochat/internal/observe"
	"lingochat/internal/queue"
	"lingochat/pkg/logger"

	"go.uber.org/zap"
)

const QueueName = "transcribe"

// DurableTranscriber transcribes through a queue engine so a recording made
// while the service is unreachable is retried instead of lost.
type DurableTranscriber struct {
	engine  *queue.Engine[Audio, *Transcript]
	metrics *observe.Metrics
}

func NewDurableTranscriber(t Transcriber, metrics *observe.Metrics, opts queue.Options[Audio, *Transcript]) *DurableTranscriber {
	d := &DurableTranscriber{metrics: metrics}
	opts.OnSettled = d.onSettled
	d.engine = queue.New(QueueName, func(ctx context.Context, a Audio) (*Transcript, error) {
		return t.Transcribe(ctx, a)
	}, opts)
	return d
}

// Engine exposes the underlying queue for lifecycle management
func (d *DurableTranscriber) Engine() *queue.Engine[Audio, *Transcript] {
	return d.engine
}

// Submit transcribes audio. Identical recordings share one pending unit.
func (d *DurableTranscriber) Submit(ctx context.Context, audio Audio) (*queue.Pending[*Transcript], error) {
	sum := sha256.Sum256(audio.Data)
	p, err := d.engine.Submit(ctx, hex.EncodeToString(sum[:]), audio)
	switch {
	case err != nil:
		d.metrics.RecordSubmission(ctx, QueueName, "rejected")
	case p.Queued():
		d.metrics.RecordSubmission(ctx, QueueName, "queued")
	default:
		d.metrics.RecordSubmission(ctx, QueueName, "ok")
	}
	return p, err
}

func (d *DurableTranscriber) onSettled(u queue.Unit[Audio], _ *Transcript, err error) {
	ctx := context.Background()
	log := logger.With(zap.String("unit_id", u.ID))
	switch {
	case err == nil:
		d.metrics.RecordSettled(ctx, QueueName, "ok")
		log.Info("Queued transcription completed")
	case errors.Is(err, queue.ErrExhausted):
		d.metrics.RecordSettled(ctx, QueueName, "exhausted")
		log.Warn("Queued transcription abandoned", zap.Error(err))
	default:
		d.metrics.RecordSettled(ctx, QueueName, "failed")
		log.Warn("Queued transcription failed", zap.Error(err))
	}
}
