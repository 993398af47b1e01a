package api

import (
	"context"
	"net/http"
	"time"

	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/transform"
	"lingochat/internal/worker"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Finalizer interface {
	Finalize(ctx context.Context, messageID, callerID string) (*worker.Outcome, error)
}

// Publisher hands finalize work to the broker for cmd/worker
type Publisher interface {
	PublishFinalize(ctx context.Context, task *queue.FinalizeTask) error
}

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
}

type TransformCache interface {
	GetOrCreate(ctx context.Context, req transform.Request) (*transform.Derived, error)
}

type Transcriber interface {
	Submit(ctx context.Context, audio speech.Audio) (*queue.Pending[*speech.Transcript], error)
}

type Corrector interface {
	Correct(ctx context.Context, text, lang string) (string, error)
}

// QueueState is reported by /healthz
type QueueState interface {
	Name() string
	Len() int
	Degraded() bool
}

type Deps struct {
	Auth        gin.HandlerFunc
	Finalizer   Finalizer
	Publisher   Publisher
	Messages    MessageStore
	Transforms  TransformCache
	Transcriber Transcriber
	Corrector   Corrector
	Checks      map[string]func(context.Context) error
	Queues      []QueueState
	Metrics     http.Handler
	// WaitTimeout bounds how long a request waits on pending work
	WaitTimeout time.Duration
}

type Handler struct {
	deps Deps
}

// NewRouter builds the HTTP API
func NewRouter(deps Deps) *gin.Engine {
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = 10 * time.Second
	}
	h := &Handler{deps: deps}

	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/healthz", h.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/v1", deps.Auth)
	v1.POST("/voice-messages/:id/finalize", h.Finalize)
	v1.POST("/messages/:id/transformations", h.Transformation)
	v1.POST("/transcriptions", h.Transcription)
	v1.POST("/corrections", h.Correction)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}
