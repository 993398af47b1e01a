// Package app assembles the components shared by the server, the worker and
// lingoctl from configuration.
package app

import (
	"context"
	"fmt"

	"lingochat/internal/config"
	"lingochat/internal/observe"
	"lingochat/internal/openai"
	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/speechkit"
	"lingochat/internal/storage"
	"lingochat/internal/transform"
	"lingochat/internal/worker"
	"lingochat/pkg/logger"

	"go.uber.org/zap"
)

// Providers are the external text and speech services selected by config
type Providers struct {
	Completer   transform.Completer
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
}

// NewProviders builds the OpenAI provider for text and, depending on
// speech.provider, OpenAI or SpeechKit for speech. objects stages audio for
// SpeechKit recognition.
func NewProviders(cfg *config.Config, objects speechkit.ObjectStore) (*Providers, error) {
	oa, err := openai.New(openai.Config{
		APIKey:    cfg.OpenAI.APIKey,
		BaseURL:   cfg.OpenAI.BaseURL,
		ChatModel: cfg.OpenAI.ChatModel,
		STTModel:  cfg.OpenAI.STTModel,
		TTSModel:  cfg.OpenAI.TTSModel,
		TTSVoice:  cfg.OpenAI.TTSVoice,
		Timeout:   cfg.OpenAI.Timeout,
	})
	if err != nil {
		return nil, err
	}

	p := &Providers{Completer: oa, Transcriber: oa, Synthesizer: oa}
	if cfg.Speech.Provider == config.SpeechProviderSpeechKit {
		sk := speechkit.NewClient(cfg.SpeechKit.APIKey, cfg.SpeechKit.FolderID,
			cfg.SpeechKit.Language, cfg.SpeechKit.Voice, objects)
		p.Transcriber, p.Synthesizer = sk, sk
	}

	logger.Info("Providers initialized", zap.String("speech", cfg.Speech.Provider))
	return p, nil
}

// QueueOptions maps the queue config section onto engine options
func QueueOptions[P, R any](cfg *config.Config, store queue.Store) queue.Options[P, R] {
	return queue.Options[P, R]{
		Store:         store,
		RetryInterval: cfg.Queue.RetryInterval,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		CallTimeout:   cfg.Queue.CallTimeout,
	}
}

// OpenQueueStore opens the on-disk queue file. A nil BoltDB with a nil error
// means persistence is disabled; engines then run memory-only.
func OpenQueueStore(cfg *config.Config) (*queue.BoltDB, error) {
	if cfg.Queue.Disabled {
		logger.Warn("Queue persistence disabled, queued work will not survive a restart")
		return nil, nil
	}
	db, err := queue.OpenBolt(cfg.Queue.DataDir, cfg.Queue.MaxBytes, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	return db, nil
}

// Bucket returns the named store, or nil when db is nil or the bucket cannot
// be created. Engines treat a nil store as degraded.
func Bucket(db *queue.BoltDB, name string) queue.Store {
	if db == nil {
		return nil
	}
	store, err := db.Bucket(name)
	if err != nil {
		logger.Warn("Queue bucket unavailable", zap.String("queue", name), zap.Error(err))
		return nil
	}
	return store
}

// NewProcessor builds the voice pipeline
func NewProcessor(cfg *config.Config, db *storage.PostgresStorage, objects *storage.S3Storage,
	p *Providers, svc *transform.Service, metrics *observe.Metrics) *worker.Processor {
	return worker.NewProcessor(db, objects, p.Transcriber, p.Synthesizer, svc, metrics, worker.Options{
		Concurrency:    cfg.Pipeline.Concurrency,
		SynthRate:      cfg.Pipeline.SynthRate,
		ServiceTimeout: cfg.Pipeline.ServiceTimeout,
	})
}

// Connect opens Postgres (running migrations) and S3
func Connect(ctx context.Context, cfg *config.Config) (*storage.PostgresStorage, *storage.S3Storage, error) {
	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")

	s3, err := storage.NewS3Storage(ctx, cfg.S3.Endpoint, cfg.S3.Region,
		cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
	}
	logger.Info("S3 storage initialized", zap.String("bucket", cfg.S3.Bucket))

	return db, s3, nil
}
