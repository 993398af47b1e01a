package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lingochat/internal/observe"
	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/storage"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrForbidden       = errors.New("caller is not the message sender")
	ErrNoAudio         = errors.New("message has no audio attached")
	ErrEmptyTranscript = errors.New("no speech recognized")
)

// Store is the message and rendering persistence the pipeline needs
type Store interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessage(ctx context.Context, m *model.Message) error
	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	UpsertRendering(ctx context.Context, r *model.VoiceRendering) error
}

type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Transformer translates and scales text
type Transformer interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
	Scale(ctx context.Context, text, lang string, level model.Proficiency) (string, error)
}

type Options struct {
	// Concurrency bounds how many recipients are rendered at once
	Concurrency int
	// SynthRate is the maximum synthesis calls per second
	SynthRate int
	// ServiceTimeout bounds each external speech or text call
	ServiceTimeout time.Duration
	UploadRetry    *resilience.RetryConfig
}

// Outcome is returned to the caller of Finalize
type Outcome struct {
	OK                  bool `json:"ok"`
	RecipientsProcessed int  `json:"recipientsProcessed"`
	Warnings            int  `json:"warnings"`
}

type Processor struct {
	store       Store
	objects     ObjectStore
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	transformer Transformer
	metrics     *observe.Metrics
	limiter     *resilience.RateLimiter
	opts        Options
}

// NewProcessor creates a new voice personalization processor
func NewProcessor(
	store Store,
	objects ObjectStore,
	transcriber speech.Transcriber,
	synthesizer speech.Synthesizer,
	transformer Transformer,
	metrics *observe.Metrics,
	opts Options,
) *Processor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.SynthRate < 1 {
		opts.SynthRate = 10
	}
	if opts.ServiceTimeout <= 0 {
		opts.ServiceTimeout = 60 * time.Second
	}
	if opts.UploadRetry == nil {
		opts.UploadRetry = resilience.DefaultRetryConfig()
	}
	return &Processor{
		store:       store,
		objects:     objects,
		transcriber: transcriber,
		synthesizer: synthesizer,
		transformer: transformer,
		metrics:     metrics,
		limiter:     resilience.NewRateLimiter(opts.SynthRate, time.Second),
		opts:        opts,
	}
}

// ProcessTask runs a FinalizeTask delivered by the broker. Only retryable
// failures are returned, so the delivery is requeued for those alone.
func (p *Processor) ProcessTask(taskData []byte) error {
	var task queue.FinalizeTask
	if err := json.Unmarshal(taskData, &task); err != nil {
		logger.Error("Dropping malformed finalize task", zap.Error(err))
		return nil
	}

	logger.Info("Processing finalize task",
		zap.String("task_id", task.TaskID),
		zap.String("message_id", task.MessageID))

	outcome, err := p.Finalize(context.Background(), task.MessageID, task.CallerID)
	if err != nil {
		if resilience.IsRetryable(err) {
			return err
		}
		logger.Warn("Finalize task failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		return nil
	}

	logger.Info("Finalize task completed",
		zap.String("task_id", task.TaskID),
		zap.Int("recipients", outcome.RecipientsProcessed),
		zap.Int("warnings", outcome.Warnings))
	return nil
}

// Finalize personalizes a freshly uploaded voice message for every recipient.
// It is safe to call again for the same message: renderings are upserted per
// recipient and the message always ends ready or failed.
func (p *Processor) Finalize(ctx context.Context, messageID, callerID string) (*Outcome, error) {
	started := time.Now()

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		p.metrics.RecordFinalize(ctx, started, "failed")
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SenderID != callerID {
		p.metrics.RecordFinalize(ctx, started, "forbidden")
		return nil, ErrForbidden
	}

	outcome, err := p.finalize(ctx, msg)
	if err != nil {
		p.fail(ctx, msg, err)
		p.metrics.RecordFinalize(ctx, started, "failed")
		return nil, err
	}

	p.metrics.RecordFinalize(ctx, started, "ready")
	logger.Info("Voice message finalized",
		zap.String("message_id", msg.ID),
		zap.Int("recipients", outcome.RecipientsProcessed),
		zap.Int("warnings", outcome.Warnings),
		zap.Duration("elapsed", time.Since(started)))
	return outcome, nil
}

func (p *Processor) finalize(ctx context.Context, msg *model.Message) (*Outcome, error) {
	if !msg.HasAudio() {
		return nil, ErrNoAudio
	}

	participants, err := p.store.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	if msg.SendAsIs {
		return p.bypass(ctx, msg, participants)
	}
	return p.personalize(ctx, msg, participants)
}

// bypass delivers the original recording to every participant untouched
func (p *Processor) bypass(ctx context.Context, msg *model.Message, participants []model.Participant) (*Outcome, error) {
	now := time.Now()
	for _, part := range participants {
		r := &model.VoiceRendering{
			ID:             uuid.NewString(),
			MessageID:      msg.ID,
			RecipientID:    part.UserID,
			SourceLanguage: msg.Language,
			TargetLanguage: msg.Language,
			FinalLanguage:  msg.Language,
			CreatedAt:      now,
		}
		r.SetReady(*msg.AudioPath)
		if err := p.store.UpsertRendering(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to save rendering for %s: %w", part.UserID, err)
		}
		p.metrics.RecordRendering(ctx, string(r.Status))
	}

	msg.SetReady()
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	return &Outcome{OK: true, RecipientsProcessed: len(participants)}, nil
}

func (p *Processor) personalize(ctx context.Context, msg *model.Message, participants []model.Participant) (*Outcome, error) {
	data, err := p.objects.Download(ctx, *msg.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}

	transcript, err := p.transcribe(ctx, speech.Audio{Data: data, MimeType: msg.AudioMimeType})
	if err != nil {
		return nil, err
	}

	language := model.BaseLanguage(transcript.Language)
	if language == "" {
		language = model.BaseLanguage(msg.Language)
	}
	msg.SetProcessing(transcript.Text, language)
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save transcript: %w", err)
	}

	recipients := Recipients(msg.SenderID, participants)
	var warnings atomic.Int64

	// Recipients do not cancel each other; only storage errors are returned.
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, recipient := range recipients {
		g.Go(func() error {
			w, err := p.render(ctx, msg, recipient)
			warnings.Add(int64(w))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msg.SetReady()
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	return &Outcome{
		OK:                  true,
		RecipientsProcessed: len(recipients),
		Warnings:            int(warnings.Load()),
	}, nil
}

// Recipients returns every participant except the sender, or all
// participants when the sender is alone.
func Recipients(senderID string, participants []model.Participant) []model.Participant {
	out := make([]model.Participant, 0, len(participants))
	for _, part := range participants {
		if part.UserID != senderID {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return participants
	}
	return out
}

func (p *Processor) transcribe(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.ServiceTimeout)
	defer cancel()

	started := time.Now()
	transcript, err := p.transcriber.Transcribe(callCtx, audio)
	p.metrics.RecordProviderCall(ctx, "transcribe", started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe audio: %w", err)
	}
	if transcript.Text == "" {
		return nil, ErrEmptyTranscript
	}
	return transcript, nil
}

// render prepares one recipient's rendering and returns the number of
// warnings raised along the way. Step failures degrade the rendering but
// are not returned as errors.
func (p *Processor) render(ctx context.Context, msg *model.Message, recipient model.Participant) (int, error) {
	prefs := recipient.Preferences
	source := msg.Language
	target := source
	if prefs.TargetLanguage != "" {
		target = model.BaseLanguage(prefs.TargetLanguage)
	}

	log := logger.With(
		zap.String("message_id", msg.ID),
		zap.String("recipient", recipient.UserID))

	now := time.Now()
	r := &model.VoiceRendering{
		ID:                uuid.NewString(),
		MessageID:         msg.ID,
		RecipientID:       recipient.UserID,
		SourceLanguage:    source,
		TargetLanguage:    target,
		TargetProficiency: prefs.Proficiency,
		NeedsTranslation:  !model.SameLanguage(source, target),
		NeedsScaling:      prefs.Proficiency != "",
		TranscriptText:    *msg.Transcript,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	warnings := 0
	text, language := r.TranscriptText, source

	if r.NeedsTranslation {
		translated, err := p.transformer.Translate(ctx, text, source, target)
		if err != nil {
			warnings++
			p.metrics.RecordWarning(ctx, "translate")
			log.Warn("Translation failed, keeping transcript", zap.Error(err))
		} else {
			r.TranslatedText = &translated
			text, language = translated, target
		}
	}

	if r.NeedsScaling {
		scaled, err := p.transformer.Scale(ctx, text, language, prefs.Proficiency)
		if err != nil {
			warnings++
			p.metrics.RecordWarning(ctx, "scale")
			log.Warn("Scaling failed, keeping unscaled text", zap.Error(err))
		} else {
			r.ScaledText = &scaled
			text = scaled
		}
	}

	r.FinalText = text
	r.FinalLanguage = language

	path, err := p.synthesize(ctx, msg, r, prefs)
	if err != nil {
		warnings++
		p.metrics.RecordWarning(ctx, "synthesize")
		log.Warn("Synthesis failed, falling back to original audio", zap.Error(err))
		r.SetFailed(fmt.Sprintf("speech synthesis failed: %v", err), *msg.AudioPath)
	} else {
		r.SetReady(path)
	}

	if err := p.store.UpsertRendering(ctx, r); err != nil {
		return warnings, fmt.Errorf("failed to save rendering for %s: %w", recipient.UserID, err)
	}
	p.metrics.RecordRendering(ctx, string(r.Status))
	return warnings, nil
}

// synthesize voices the final text and uploads it, returning the object key
func (p *Processor) synthesize(ctx context.Context, msg *model.Message, r *model.VoiceRendering, prefs model.Preferences) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	voice := speech.Voice{
		Name:     prefs.Voice,
		Language: r.FinalLanguage,
		Rate:     prefs.SpeechRate,
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.ServiceTimeout)
	defer cancel()

	started := time.Now()
	audio, err := p.synthesizer.Synthesize(callCtx, r.FinalText, voice)
	p.metrics.RecordProviderCall(ctx, "synthesize", started, err)
	if err != nil {
		return "", err
	}

	content := fmt.Sprintf("%s|%s|%.2f|%s", r.FinalLanguage, voice.Name, speech.ClampRate(voice.Rate), r.FinalText)
	key := storage.SynthesizedAudioKey(msg.SenderID, msg.ID, r.RecipientID, content, speech.Extension(audio.MimeType))

	err = resilience.RetryWithExponentialBackoff(ctx, p.opts.UploadRetry, func() error {
		return p.objects.Upload(ctx, key, audio.Data, audio.MimeType)
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload synthesized audio: %w", err)
	}
	return key, nil
}

// fail marks the message failed even if ctx is already done
func (p *Processor) fail(ctx context.Context, msg *model.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg.SetError(cause.Error())
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		logger.Error("Failed to mark message failed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	logger.Warn("Voice message failed",
		zap.String("message_id", msg.ID),
		zap.Error(cause))
}
