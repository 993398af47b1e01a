package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/storage"
	"lingochat/internal/transform"
	"lingochat/internal/worker"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxAudioBytes = 25 << 20

var errNoTranscript = errors.New("message has no transcript yet")

// Finalize runs the voice pipeline, or queues it on the broker with ?async=true
func (h *Handler) Finalize(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("id")
	caller := callerID(c)

	async, _ := strconv.ParseBool(c.Query("async"))
	if async && h.deps.Publisher != nil {
		msg, err := h.deps.Messages.GetMessage(ctx, messageID)
		if err != nil {
			writeError(c, err)
			return
		}
		if msg.SenderID != caller {
			writeError(c, worker.ErrForbidden)
			return
		}

		task := &queue.FinalizeTask{
			TaskID:    uuid.NewString(),
			MessageID: messageID,
			CallerID:  caller,
			CreatedAt: time.Now(),
		}
		if err := h.deps.Publisher.PublishFinalize(ctx, task); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"taskId": task.TaskID})
		return
	}

	// the pipeline runs to completion even if the client goes away
	outcome, err := h.deps.Finalizer.Finalize(context.WithoutCancel(ctx), messageID, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type transformationRequest struct {
	TargetLanguage string            `json:"targetLanguage" binding:"required"`
	Proficiency    model.Proficiency `json:"proficiency"`
	Wait           bool              `json:"wait"`
}

type transformationResponse struct {
	Status string                      `json:"status"`
	Record *model.TransformationRecord `json:"record,omitempty"`
}

// Transformation returns a message's text translated or scaled for the caller
func (h *Handler) Transformation(c *gin.Context) {
	var req transformationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Proficiency != "" && !req.Proficiency.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown proficiency %q", req.Proficiency)})
		return
	}

	ctx := c.Request.Context()
	caller := callerID(c)

	msg, err := h.deps.Messages.GetMessage(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	participants, err := h.deps.Messages.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !slices.ContainsFunc(participants, func(p model.Participant) bool { return p.UserID == caller }) {
		writeError(c, worker.ErrForbidden)
		return
	}

	text := msg.Content
	if msg.Kind == model.MessageKindVoice {
		if msg.Transcript == nil {
			writeError(c, errNoTranscript)
			return
		}
		text = *msg.Transcript
	}

	d, err := h.deps.Transforms.GetOrCreate(ctx, transform.Request{
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		ViewerID:       caller,
		SendAsIs:       msg.SendAsIs,
		SourceText:     text,
		SourceLanguage: msg.Language,
		TargetLanguage: req.TargetLanguage,
		Proficiency:    req.Proficiency,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	switch {
	case d.Skipped:
		c.JSON(http.StatusOK, transformationResponse{Status: "skipped"})
		return
	case d.Record != nil:
		c.JSON(http.StatusOK, transformationResponse{Status: "ready", Record: d.Record})
		return
	case !d.Ready() && !req.Wait:
		c.JSON(http.StatusAccepted, transformationResponse{Status: "pending"})
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.deps.WaitTimeout)
	defer cancel()
	rec, err := d.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.JSON(http.StatusAccepted, transformationResponse{Status: "pending"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transformationResponse{Status: "ready", Record: rec})
}

type transcriptionResponse struct {
	Status     string             `json:"status"`
	UnitID     string             `json:"unitId,omitempty"`
	Transcript *speech.Transcript `json:"transcript,omitempty"`
}

// Transcription transcribes an uploaded recording through the durable queue
func (h *Handler) Transcription(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAudioBytes)

	file, err := c.FormFile("audio")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}
	f, err := file.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, err)
		return
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	ctx := c.Request.Context()
	p, err := h.deps.Transcriber.Submit(ctx, speech.Audio{Data: data, MimeType: mimeType})
	if err != nil {
		writeError(c, err)
		return
	}
	if p.Queued() {
		c.JSON(http.StatusAccepted, transcriptionResponse{Status: "queued", UnitID: p.UnitID()})
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.deps.WaitTimeout)
	defer cancel()
	transcript, err := p.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.JSON(http.StatusAccepted, transcriptionResponse{Status: "pending"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcriptionResponse{Status: "ready", Transcript: transcript})
}

type correctionRequest struct {
	Text     string `json:"text" binding:"required"`
	Language string `json:"language" binding:"required"`
}

// Correction returns grammar-corrected text
func (h *Handler) Correction(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	text, err := h.deps.Corrector.Correct(c.Request.Context(), req.Text, req.Language)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

type queueHealth struct {
	Length   int  `json:"length"`
	Degraded bool `json:"degraded"`
}

// Health reports dependency checks and queue state
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	queues := make(map[string]queueHealth, len(h.deps.Queues))
	for _, q := range h.deps.Queues {
		queues[q.Name()] = queueHealth{Length: q.Len(), Degraded: q.Degraded()}
	}

	c.JSON(status, gin.H{"checks": checks, "queues": queues})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var se *resilience.StatusError
	switch {
	case errors.Is(err, worker.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errNoTranscript):
		status = http.StatusConflict
	case errors.Is(err, worker.ErrNoAudio),
		errors.Is(err, worker.ErrEmptyTranscript),
		errors.Is(err, resilience.ErrMalformed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrStopped), resilience.IsRetryable(err):
		status = http.StatusServiceUnavailable
	case errors.As(err, &se):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request error", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
