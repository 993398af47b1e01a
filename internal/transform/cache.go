package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lingochat/internal/observe"
	"lingochat/internal/queue"
	"lingochat/internal/storage"
	"lingochat/pkg/cache"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const QueueName = "transform"

// Store persists transformation records
type Store interface {
	GetTransformation(ctx context.Context, key model.TransformationKey) (*model.TransformationRecord, error)
	InsertTransformation(ctx context.Context, rec *model.TransformationRecord) error
}

// Request asks for one derived text of a message as seen by a viewer
type Request struct {
	MessageID      string
	SenderID       string
	ViewerID       string
	SendAsIs       bool
	SourceText     string
	SourceLanguage string
	TargetLanguage string
	// Proficiency selects scaled text; empty means translation only
	Proficiency model.Proficiency
}

// Key returns the cache key the request resolves to
func (r Request) Key() model.TransformationKey {
	key := model.TransformationKey{
		MessageID:      r.MessageID,
		Kind:           model.TransformationTranslation,
		TargetLanguage: model.BaseLanguage(r.TargetLanguage),
	}
	if r.Proficiency != "" {
		key.Kind = model.TransformationScaled
		key.Proficiency = r.Proficiency
	}
	return key
}

// Job is the durable unit payload for creating one record
type Job struct {
	Key            model.TransformationKey `json:"key"`
	SourceText     string                  `json:"source_text"`
	SourceLanguage string                  `json:"source_language"`
}

// Derived is the outcome of GetOrCreate: a record, a skip, or a pending
// creation that settles later.
type Derived struct {
	Key     model.TransformationKey
	Record  *model.TransformationRecord
	Skipped bool
	pending *queue.Pending[*model.TransformationRecord]
}

// Ready reports whether Record (or Skipped) is already final
func (d *Derived) Ready() bool {
	return d.pending == nil || d.pending.Settled()
}

// Wait returns the record once created. Skipped results return nil, nil.
func (d *Derived) Wait(ctx context.Context) (*model.TransformationRecord, error) {
	if d.pending == nil {
		return d.Record, nil
	}
	return d.pending.Wait(ctx)
}

// Cache resolves derived text through Redis, then Postgres, and creates it
// through a durable queue engine when absent.
type Cache struct {
	service *Service
	store   Store
	redis   cache.Cache
	metrics *observe.Metrics
	engine  *queue.Engine[Job, *model.TransformationRecord]
}

// NewCache builds the cache and its engine. redis may be nil.
func NewCache(service *Service, store Store, redis cache.Cache, metrics *observe.Metrics, opts queue.Options[Job, *model.TransformationRecord]) *Cache {
	c := &Cache{
		service: service,
		store:   store,
		redis:   redis,
		metrics: metrics,
	}
	opts.OnSettled = c.onSettled
	c.engine = queue.New(QueueName, c.create, opts)
	return c
}

// Engine exposes the underlying queue for lifecycle management
func (c *Cache) Engine() *queue.Engine[Job, *model.TransformationRecord] {
	return c.engine
}

// GetOrCreate returns the derived text for req, creating it at most once per key.
func (c *Cache) GetOrCreate(ctx context.Context, req Request) (*Derived, error) {
	key := req.Key()

	if skip(req) {
		c.metrics.RecordLookup(ctx, string(key.Kind), "skipped")
		return &Derived{Key: key, Skipped: true}, nil
	}

	rec, source, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		c.metrics.RecordLookup(ctx, string(key.Kind), source)
		return &Derived{Key: key, Record: rec}, nil
	}

	job := Job{Key: key, SourceText: req.SourceText, SourceLanguage: req.SourceLanguage}
	p, err := c.engine.Submit(ctx, key.String(), job)
	if err != nil {
		c.metrics.RecordSubmission(ctx, QueueName, "rejected")
		return nil, err
	}

	if p.Queued() {
		c.metrics.RecordSubmission(ctx, QueueName, "queued")
		c.metrics.RecordLookup(ctx, string(key.Kind), "queued")
		return &Derived{Key: key, pending: p}, nil
	}

	if !p.Settled() {
		// joined another caller's in-flight attempt
		return &Derived{Key: key, pending: p}, nil
	}

	rec, err = p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordSubmission(ctx, QueueName, "ok")
	c.metrics.RecordLookup(ctx, string(key.Kind), "created")
	return &Derived{Key: key, Record: rec}, nil
}

// skip reports requests that are never personalized: as-is messages, the
// sender's own view, and translation into the source language.
func skip(req Request) bool {
	if req.SendAsIs || req.ViewerID == req.SenderID {
		return true
	}
	return req.Proficiency == "" && model.SameLanguage(req.SourceLanguage, req.TargetLanguage)
}

// lookup checks Redis then Postgres. A miss returns nil, "", nil.
func (c *Cache) lookup(ctx context.Context, key model.TransformationKey) (*model.TransformationRecord, string, error) {
	cacheKey := cache.TransformationCacheKey(key)
	if c.redis != nil {
		var rec model.TransformationRecord
		err := c.redis.Get(ctx, cacheKey, &rec)
		if err == nil {
			return &rec, "redis", nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn("Redis lookup failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	rec, err := c.store.GetTransformation(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	c.remember(ctx, rec)
	return rec, "postgres", nil
}

func (c *Cache) remember(ctx context.Context, rec *model.TransformationRecord) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, cache.TransformationCacheKey(rec.Key()), rec); err != nil {
		logger.Warn("Failed to cache transformation", zap.String("key", rec.Key().String()), zap.Error(err))
	}
}

// create is the engine executor: transform once, then insert. Losing an
// insert race discards the local text in favour of the stored record.
func (c *Cache) create(ctx context.Context, job Job) (*model.TransformationRecord, error) {
	text, err := c.derive(ctx, job)
	if err != nil {
		return nil, err
	}

	rec := &model.TransformationRecord{
		ID:                uuid.NewString(),
		MessageID:         job.Key.MessageID,
		Kind:              job.Key.Kind,
		TargetLanguage:    job.Key.TargetLanguage,
		TargetProficiency: job.Key.Proficiency,
		Text:              text,
		CreatedAt:         time.Now(),
	}

	err = c.store.InsertTransformation(ctx, rec)
	if errors.Is(err, storage.ErrDuplicate) {
		logger.Debug("Lost insert race, using stored record", zap.String("key", job.Key.String()))
		rec, err = c.store.GetTransformation(ctx, job.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store transformation: %w", err)
	}

	c.remember(ctx, rec)
	return rec, nil
}

// derive produces the text for a job. Scaled text in another language is
// scaled from the translation, reusing a stored one when present.
func (c *Cache) derive(ctx context.Context, job Job) (string, error) {
	key := job.Key
	sameLanguage := model.SameLanguage(job.SourceLanguage, key.TargetLanguage)

	if key.Kind == model.TransformationTranslation {
		return c.service.Translate(ctx, job.SourceText, job.SourceLanguage, key.TargetLanguage)
	}

	text := job.SourceText
	if !sameLanguage {
		translationKey := model.TransformationKey{
			MessageID:      key.MessageID,
			Kind:           model.TransformationTranslation,
			TargetLanguage: key.TargetLanguage,
		}
		existing, _, err := c.lookup(ctx, translationKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			text = existing.Text
		} else {
			text, err = c.service.Translate(ctx, job.SourceText, job.SourceLanguage, key.TargetLanguage)
			if err != nil {
				return "", err
			}
		}
	}
	return c.service.Scale(ctx, text, key.TargetLanguage, key.Proficiency)
}

func (c *Cache) onSettled(u queue.Unit[Job], rec *model.TransformationRecord, err error) {
	ctx := context.Background()
	log := logger.With(zap.String("unit_id", u.ID), zap.String("key", u.Payload.Key.String()))

	switch {
	case err == nil:
		c.metrics.RecordSettled(ctx, QueueName, "ok")
		log.Info("Queued transformation stored", zap.String("record_id", rec.ID))
	case errors.Is(err, queue.ErrExhausted):
		c.metrics.RecordSettled(ctx, QueueName, "exhausted")
		log.Warn("Queued transformation abandoned", zap.Error(err))
	default:
		c.metrics.RecordSettled(ctx, QueueName, "failed")
		log.Warn("Queued transformation failed", zap.Error(err))
	}
}
