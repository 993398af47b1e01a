package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/storage"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const originalPath = "alice/c1/voice.ogg"

// memStore keeps one rendering per (message, recipient) like the real table
type memStore struct {
	mu           sync.Mutex
	messages     map[string]*model.Message
	participants map[string][]model.Participant
	renderings   map[string]*model.VoiceRendering
	inserts      int
	updates      int
}

func newMemStore() *memStore {
	return &memStore{
		messages:     make(map[string]*model.Message),
		participants: make(map[string][]model.Participant),
		renderings:   make(map[string]*model.VoiceRendering),
	}
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *memStore) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[conversationID], nil
}

func (s *memStore) UpsertRendering(ctx context.Context, r *model.VoiceRendering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.MessageID + "/" + r.RecipientID
	if _, ok := s.renderings[key]; ok {
		s.updates++
	} else {
		s.inserts++
	}
	cp := *r
	s.renderings[key] = &cp
	return nil
}

func (s *memStore) rendering(messageID, recipientID string) *model.VoiceRendering {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderings[messageID+"/"+recipientID]
}

func (s *memStore) message(id string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (f *fakeObjects) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

type MockTranscriber struct {
	mock.Mock
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	args := m.Called(ctx, audio)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*speech.Transcript), args.Error(1)
}

type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, voice speech.Voice) (*speech.Audio, error) {
	args := m.Called(ctx, text, voice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*speech.Audio), args.Error(1)
}

type MockTransformer struct {
	mock.Mock
}

func (m *MockTransformer) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	args := m.Called(ctx, text, sourceLanguage, targetLanguage)
	return args.String(0), args.Error(1)
}

func (m *MockTransformer) Scale(ctx context.Context, text, lang string, level model.Proficiency) (string, error) {
	args := m.Called(ctx, text, lang, level)
	return args.String(0), args.Error(1)
}

type fixture struct {
	store       *memStore
	objects     *fakeObjects
	transcriber *MockTranscriber
	synthesizer *MockSynthesizer
	transformer *MockTransformer
	processor   *Processor
}

func newFixture(t *testing.T, sendAsIs bool, participants ...model.Participant) *fixture {
	t.Helper()
	f := &fixture{
		store:       newMemStore(),
		objects:     &fakeObjects{objects: map[string][]byte{originalPath: []byte("ogg-data")}},
		transcriber: new(MockTranscriber),
		synthesizer: new(MockSynthesizer),
		transformer: new(MockTransformer),
	}
	path := originalPath
	f.store.messages["m1"] = &model.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Kind:           model.MessageKindVoice,
		Language:       "en",
		AudioPath:      &path,
		AudioMimeType:  "audio/ogg",
		SendAsIs:       sendAsIs,
		Status:         model.MessageStatusPending,
	}
	f.store.participants["c1"] = append([]model.Participant{{UserID: "alice"}}, participants...)

	f.processor = NewProcessor(f.store, f.objects, f.transcriber, f.synthesizer, f.transformer, nil, Options{
		Concurrency:    2,
		SynthRate:      1000,
		ServiceTimeout: time.Second,
		UploadRetry: &resilience.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
	})
	return f
}

func (f *fixture) transcribesAs(text, language string) {
	f.transcriber.On("Transcribe", mock.Anything, speech.Audio{Data: []byte("ogg-data"), MimeType: "audio/ogg"}).
		Return(&speech.Transcript{Text: text, Language: language}, nil)
}

func mp3() *speech.Audio {
	return &speech.Audio{Data: []byte("mp3"), MimeType: "audio/mpeg"}
}

func participant(id, language string, level model.Proficiency, voice string) model.Participant {
	return model.Participant{
		UserID: id,
		Preferences: model.Preferences{
			TargetLanguage: language,
			Proficiency:    level,
			Voice:          voice,
			SpeechRate:     1,
		},
	}
}

func TestFinalize_IsIdempotent(t *testing.T) {
	f := newFixture(t, false, participant("bob", "en", "", "v1"), participant("carol", "en", "", "v2"))
	f.transcribesAs("Good morning", "en")
	f.synthesizer.On("Synthesize", mock.Anything, "Good morning", mock.Anything).Return(mp3(), nil)
	ctx := context.Background()

	first, err := f.processor.Finalize(ctx, "m1", "alice")
	require.NoError(t, err)
	second, err := f.processor.Finalize(ctx, "m1", "alice")
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	assert.Equal(t, 2, f.store.inserts)
	assert.Equal(t, 2, f.store.updates)
	assert.Len(t, f.store.renderings, 2)
	assert.Equal(t, model.MessageStatusReady, f.store.message("m1").Status)
}

func TestFinalize_PartialFailureIsIsolated(t *testing.T) {
	f := newFixture(t, false,
		participant("bob", "en", "", "v1"),
		participant("carol", "en", "", "v2"),
		participant("dave", "en", "", "v3"))
	f.transcribesAs("Good morning", "en")
	f.synthesizer.On("Synthesize", mock.Anything, mock.Anything, mock.MatchedBy(func(v speech.Voice) bool { return v.Name == "v2" })).
		Return(nil, resilience.NewStatusError(500, errors.New("tts down")))
	f.synthesizer.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(mp3(), nil)

	outcome, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.Equal(t, 3, outcome.RecipientsProcessed)
	assert.Equal(t, 1, outcome.Warnings)

	for _, id := range []string{"bob", "dave"} {
		r := f.store.rendering("m1", id)
		require.NotNil(t, r, id)
		assert.Equal(t, model.RenderingStatusReady, r.Status)
		assert.True(t, strings.HasPrefix(r.FinalAudioPath, "alice/m1/tts-"+id+"-"), r.FinalAudioPath)
		assert.True(t, strings.HasSuffix(r.FinalAudioPath, ".mp3"))
		assert.Contains(t, f.objects.objects, r.FinalAudioPath)
	}

	failed := f.store.rendering("m1", "carol")
	require.NotNil(t, failed)
	assert.Equal(t, model.RenderingStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorText)
	assert.NotEmpty(t, *failed.ErrorText)
	assert.Equal(t, originalPath, failed.FinalAudioPath)

	assert.Equal(t, model.MessageStatusReady, f.store.message("m1").Status)
}

func TestFinalize_BypassSkipsExternalCalls(t *testing.T) {
	f := newFixture(t, true, participant("bob", "es", model.ProficiencyBeginner, "v1"))

	outcome, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.RecipientsProcessed)
	assert.Zero(t, outcome.Warnings)

	for _, id := range []string{"alice", "bob"} {
		r := f.store.rendering("m1", id)
		require.NotNil(t, r, id)
		assert.Equal(t, model.RenderingStatusReady, r.Status)
		assert.Equal(t, originalPath, r.FinalAudioPath)
		assert.Empty(t, r.TranscriptText)
		assert.Empty(t, r.FinalText)
	}

	f.transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything)
	f.transformer.AssertNotCalled(t, "Translate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.transformer.AssertNotCalled(t, "Scale", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.synthesizer.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, model.MessageStatusReady, f.store.message("m1").Status)
}

func TestFinalize_TranslateAndScalePerRecipient(t *testing.T) {
	f := newFixture(t, false,
		participant("A", "es", "", "v1"),
		participant("B", "en", model.ProficiencyBeginner, "v2"))
	f.transcribesAs("Good morning everyone", "en")
	f.transformer.On("Translate", mock.Anything, "Good morning everyone", "en", "es").Return("Buenos días a todos", nil)
	f.transformer.On("Scale", mock.Anything, "Good morning everyone", "en", model.ProficiencyBeginner).Return("Hello all", nil)
	f.synthesizer.On("Synthesize", mock.Anything, "Buenos días a todos", speech.Voice{Name: "v1", Language: "es", Rate: 1}).Return(mp3(), nil)
	f.synthesizer.On("Synthesize", mock.Anything, "Hello all", speech.Voice{Name: "v2", Language: "en", Rate: 1}).Return(mp3(), nil)

	outcome, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.NoError(t, err)
	assert.Zero(t, outcome.Warnings)

	a := f.store.rendering("m1", "A")
	require.NotNil(t, a)
	assert.True(t, a.NeedsTranslation)
	assert.False(t, a.NeedsScaling)
	assert.Equal(t, "es", a.FinalLanguage)
	assert.Equal(t, "Buenos días a todos", a.FinalText)

	b := f.store.rendering("m1", "B")
	require.NotNil(t, b)
	assert.False(t, b.NeedsTranslation)
	assert.True(t, b.NeedsScaling)
	assert.Equal(t, "en", b.FinalLanguage)
	assert.Equal(t, "Hello all", b.FinalText)
	assert.Nil(t, b.TranslatedText)

	msg := f.store.message("m1")
	require.NotNil(t, msg.Transcript)
	assert.Equal(t, "Good morning everyone", *msg.Transcript)
	f.transformer.AssertExpectations(t)
	f.synthesizer.AssertExpectations(t)
}

func TestFinalize_StepFailuresBecomeWarnings(t *testing.T) {
	f := newFixture(t, false, participant("bob", "es", model.ProficiencyAdvanced, "v1"))
	f.transcribesAs("Good morning", "en")
	f.transformer.On("Translate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", resilience.NewStatusError(503, errors.New("busy")))
	f.transformer.On("Scale", mock.Anything, "Good morning", "en", model.ProficiencyAdvanced).
		Return("", errors.New("refused"))
	f.synthesizer.On("Synthesize", mock.Anything, "Good morning", mock.MatchedBy(func(v speech.Voice) bool { return v.Language == "en" })).
		Return(mp3(), nil)

	outcome, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Warnings)

	r := f.store.rendering("m1", "bob")
	require.NotNil(t, r)
	assert.Equal(t, model.RenderingStatusReady, r.Status)
	assert.Equal(t, "en", r.FinalLanguage)
	assert.Equal(t, "Good morning", r.FinalText)
	assert.Nil(t, r.TranslatedText)
	assert.Nil(t, r.ScaledText)
}

func TestFinalize_DetectedLanguageWins(t *testing.T) {
	f := newFixture(t, false, participant("bob", "", "", "v1"))
	f.transcribesAs("Hola", "es-ES")
	f.synthesizer.On("Synthesize", mock.Anything, "Hola", mock.Anything).Return(mp3(), nil)

	_, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.NoError(t, err)

	assert.Equal(t, "es", f.store.message("m1").Language)
	r := f.store.rendering("m1", "bob")
	assert.Equal(t, "es", r.TargetLanguage)
	assert.False(t, r.NeedsTranslation)
}

func TestFinalize_TranscriptionFailureMarksFailed(t *testing.T) {
	f := newFixture(t, false, participant("bob", "es", "", "v1"))
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, resilience.NewStatusError(400, errors.New("bad audio")))

	_, err := f.processor.Finalize(context.Background(), "m1", "alice")
	require.Error(t, err)

	msg := f.store.message("m1")
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	require.NotNil(t, msg.ErrorText)
	assert.Contains(t, *msg.ErrorText, "transcribe")
	assert.Empty(t, f.store.renderings)
}

func TestFinalize_EmptyTranscriptMarksFailed(t *testing.T) {
	f := newFixture(t, false, participant("bob", "es", "", "v1"))
	f.transcribesAs("", "en")

	_, err := f.processor.Finalize(context.Background(), "m1", "alice")
	assert.ErrorIs(t, err, ErrEmptyTranscript)
	assert.Equal(t, model.MessageStatusFailed, f.store.message("m1").Status)
}

func TestFinalize_RejectsOtherCallers(t *testing.T) {
	f := newFixture(t, false, participant("bob", "es", "", "v1"))

	_, err := f.processor.Finalize(context.Background(), "m1", "bob")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, model.MessageStatusPending, f.store.message("m1").Status)
	f.transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything)
}

func TestFinalize_NoAudioMarksFailed(t *testing.T) {
	f := newFixture(t, false, participant("bob", "es", "", "v1"))
	f.store.messages["m1"].AudioPath = nil

	_, err := f.processor.Finalize(context.Background(), "m1", "alice")
	assert.ErrorIs(t, err, ErrNoAudio)
	assert.Equal(t, model.MessageStatusFailed, f.store.message("m1").Status)
}

func TestRecipients(t *testing.T) {
	alice := model.Participant{UserID: "alice"}
	bob := model.Participant{UserID: "bob"}

	assert.Equal(t, []model.Participant{bob}, Recipients("alice", []model.Participant{alice, bob}))
	assert.Equal(t, []model.Participant{alice}, Recipients("alice", []model.Participant{alice}))
	assert.Empty(t, Recipients("alice", nil))
}

func TestProcessTask(t *testing.T) {
	f := newFixture(t, false, participant("bob", "en", "", "v1"))
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, resilience.NewStatusError(503, errors.New("unavailable"))).Once()
	f.transcribesAs("Good morning", "en")
	f.synthesizer.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(mp3(), nil)

	body, err := json.Marshal(&queue.FinalizeTask{TaskID: "t1", MessageID: "m1", CallerID: "alice"})
	require.NoError(t, err)

	// retryable failures are handed back for redelivery
	assert.Error(t, f.processor.ProcessTask(body))
	assert.Equal(t, model.MessageStatusFailed, f.store.message("m1").Status)

	assert.NoError(t, f.processor.ProcessTask(body))
	assert.Equal(t, model.MessageStatusReady, f.store.message("m1").Status)

	// terminal failures and garbage are acknowledged
	forbidden, err := json.Marshal(&queue.FinalizeTask{TaskID: "t2", MessageID: "m1", CallerID: "bob"})
	require.NoError(t, err)
	assert.NoError(t, f.processor.ProcessTask(forbidden))
	assert.NoError(t, f.processor.ProcessTask([]byte("{")))
}
