package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/storage"
	"lingochat/internal/transform"
	"lingochat/internal/worker"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type completerFunc func(ctx context.Context, instructions, text string) (string, error)

func (f completerFunc) Complete(ctx context.Context, instructions, text string) (string, error) {
	return f(ctx, instructions, text)
}

type transcriberFunc func(ctx context.Context, audio speech.Audio) (*speech.Transcript, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	return f(ctx, audio)
}

type fakeFinalizer struct {
	outcome *worker.Outcome
	err     error
	calls   int
}

func (f *fakeFinalizer) Finalize(ctx context.Context, messageID, callerID string) (*worker.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakePublisher struct {
	tasks []*queue.FinalizeTask
}

func (f *fakePublisher) PublishFinalize(ctx context.Context, task *queue.FinalizeTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeMessages struct {
	messages     map[string]*model.Message
	participants map[string][]model.Participant
}

func (f *fakeMessages) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessages) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	return f.participants[conversationID], nil
}

type transformStore struct {
	mu      sync.Mutex
	records map[string]*model.TransformationRecord
}

func (s *transformStore) GetTransformation(ctx context.Context, key model.TransformationKey) (*model.TransformationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *transformStore) InsertTransformation(ctx context.Context, rec *model.TransformationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key().String()] = rec
	return nil
}

type fakeQueue struct{}

func (fakeQueue) Name() string   { return "transform" }
func (fakeQueue) Len() int       { return 3 }
func (fakeQueue) Degraded() bool { return true }

type testServer struct {
	router    *gin.Engine
	finalizer *fakeFinalizer
	publisher *fakePublisher
}

func newTestServer(t *testing.T, complete completerFunc, transcribe transcriberFunc) *testServer {
	t.Helper()

	auth, err := NewAuthenticator(testSecret, "")
	require.NoError(t, err)

	transcript := "Hello there"
	messages := &fakeMessages{
		messages: map[string]*model.Message{
			"m1": {ID: "m1", ConversationID: "c1", SenderID: "alice", Kind: model.MessageKindText, Content: "Hello", Language: "en"},
			"v1": {ID: "v1", ConversationID: "c1", SenderID: "alice", Kind: model.MessageKindVoice, Language: "en"},
			"v2": {ID: "v2", ConversationID: "c1", SenderID: "alice", Kind: model.MessageKindVoice, Language: "en", Transcript: &transcript},
		},
		participants: map[string][]model.Participant{
			"c1": {{UserID: "alice"}, {UserID: "bob"}},
		},
	}

	svc := transform.NewService(complete, nil, nil)
	cache := transform.NewCache(svc, &transformStore{records: make(map[string]*model.TransformationRecord)}, nil, nil,
		queue.Options[transform.Job, *model.TransformationRecord]{RetryInterval: time.Hour, CallTimeout: time.Second})
	require.NoError(t, cache.Engine().Start())
	t.Cleanup(cache.Engine().Stop)

	transcriber := speech.NewDurableTranscriber(transcribe, nil,
		queue.Options[speech.Audio, *speech.Transcript]{RetryInterval: time.Hour, CallTimeout: time.Second})
	require.NoError(t, transcriber.Engine().Start())
	t.Cleanup(transcriber.Engine().Stop)

	ts := &testServer{
		finalizer: &fakeFinalizer{outcome: &worker.Outcome{OK: true, RecipientsProcessed: 2, Warnings: 1}},
		publisher: &fakePublisher{},
	}
	ts.router = NewRouter(Deps{
		Auth:        auth.Middleware(),
		Finalizer:   ts.finalizer,
		Publisher:   ts.publisher,
		Messages:    messages,
		Transforms:  cache,
		Transcriber: transcriber,
		Corrector:   svc,
		Checks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
		},
		Queues:      []QueueState{fakeQueue{}},
		WaitTimeout: time.Second,
	})
	return ts
}

func okCompleter(out string) completerFunc {
	return func(ctx context.Context, instructions, text string) (string, error) { return out, nil }
}

func okTranscriber(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	return &speech.Transcript{Text: "hello", Language: "en"}, nil
}

func token(t *testing.T, subject, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, testSecret))
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/voice-messages/m1/finalize", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, bearer := range []string{token(t, "alice", "other-secret"), token(t, "", testSecret), "garbage"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/voice-messages/m1/finalize", nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Zero(t, ts.finalizer.calls)
}

func TestNewAuthenticator_RequiresKeyMaterial(t *testing.T) {
	_, err := NewAuthenticator("", "")
	assert.Error(t, err)
}

func TestFinalize_Sync(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/voice-messages/v2/finalize", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"recipientsProcessed":2,"warnings":1}`, w.Body.String())
}

func TestFinalize_ErrorStatuses(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{worker.ErrForbidden, http.StatusForbidden},
		{storage.ErrNotFound, http.StatusNotFound},
		{worker.ErrNoAudio, http.StatusUnprocessableEntity},
		{resilience.NewStatusError(503, errors.New("down")), http.StatusServiceUnavailable},
		{resilience.NewStatusError(400, errors.New("bad audio")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, okCompleter("x"), okTranscriber)
			ts.finalizer.outcome, ts.finalizer.err = nil, tt.err

			w := ts.do(t, http.MethodPost, "/v1/voice-messages/v2/finalize", "alice", nil)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, decode(t, w)["error"], tt.err.Error())
		})
	}
}

func TestFinalize_AsyncPublishes(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/voice-messages/v2/finalize?async=true", "alice", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, ts.publisher.tasks, 1)
	assert.Equal(t, "v2", ts.publisher.tasks[0].MessageID)
	assert.Equal(t, "alice", ts.publisher.tasks[0].CallerID)
	assert.Equal(t, ts.publisher.tasks[0].TaskID, decode(t, w)["taskId"])
	assert.Zero(t, ts.finalizer.calls)

	w = ts.do(t, http.MethodPost, "/v1/voice-messages/v2/finalize?async=true", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, ts.publisher.tasks, 1)
}

func TestTransformation_Ready(t *testing.T) {
	ts := newTestServer(t, okCompleter("Hola"), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/messages/m1/transformations", "bob", gin.H{"targetLanguage": "es"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp transformationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "Hola", resp.Record.Text)
	assert.Equal(t, model.TransformationTranslation, resp.Record.Kind)
}

func TestTransformation_SenderIsSkipped(t *testing.T) {
	ts := newTestServer(t, okCompleter("Hola"), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/messages/m1/transformations", "alice", gin.H{"targetLanguage": "es"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decode(t, w)["status"])
}

func TestTransformation_PendingWhenServiceUnavailable(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, instructions, text string) (string, error) {
		return "", resilience.NewStatusError(503, errors.New("busy"))
	}, okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/messages/m1/transformations", "bob", gin.H{"targetLanguage": "es"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])
}

func TestTransformation_Rejections(t *testing.T) {
	ts := newTestServer(t, okCompleter("Hola"), okTranscriber)

	tests := []struct {
		name string
		path string
		user string
		body gin.H
		want int
	}{
		{"missing target", "/v1/messages/m1/transformations", "bob", gin.H{}, http.StatusBadRequest},
		{"bad proficiency", "/v1/messages/m1/transformations", "bob", gin.H{"targetLanguage": "es", "proficiency": "expert"}, http.StatusBadRequest},
		{"not a participant", "/v1/messages/m1/transformations", "eve", gin.H{"targetLanguage": "es"}, http.StatusForbidden},
		{"unknown message", "/v1/messages/nope/transformations", "bob", gin.H{"targetLanguage": "es"}, http.StatusNotFound},
		{"voice without transcript", "/v1/messages/v1/transformations", "bob", gin.H{"targetLanguage": "es"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTransformation_VoiceUsesTranscript(t *testing.T) {
	var got string
	ts := newTestServer(t, func(ctx context.Context, instructions, text string) (string, error) {
		got = text
		return "Hola", nil
	}, okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/messages/v2/transformations", "bob", gin.H{"targetLanguage": "es"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello there", got)
}

func multipartAudio(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="clip.ogg"`)
	h.Set("Content-Type", "audio/ogg")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestTranscription(t *testing.T) {
	var gotMime string
	ts := newTestServer(t, okCompleter("x"), func(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
		gotMime = audio.MimeType
		return &speech.Transcript{Text: "hola", Language: "es"}, nil
	})

	body, contentType := multipartAudio(t, "audio", []byte("OggS-data"))
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice", testSecret))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp transcriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "hola", resp.Transcript.Text)
	assert.Equal(t, "audio/ogg", gotMime)
}

func TestTranscription_QueuedOnOutage(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), func(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
		return nil, resilience.NewStatusError(502, errors.New("gateway"))
	})

	body, contentType := multipartAudio(t, "audio", []byte("OggS-data"))
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice", testSecret))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["unitId"])
}

func TestTranscription_MissingFile(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), okTranscriber)

	body, contentType := multipartAudio(t, "other", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice", testSecret))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCorrection(t *testing.T) {
	ts := newTestServer(t, okCompleter("I went home."), okTranscriber)

	w := ts.do(t, http.MethodPost, "/v1/corrections", "alice", gin.H{"text": "I goed home.", "language": "en"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "I went home.", decode(t, w)["text"])

	w = ts.do(t, http.MethodPost, "/v1/corrections", "alice", gin.H{"text": "I goed home."})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, okCompleter("x"), okTranscriber)

	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"checks":{"postgres":"ok"},"queues":{"transform":{"length":3,"degraded":true}}}`, w.Body.String())
}
