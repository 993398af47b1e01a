package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"lingochat/internal/queue"
	"lingochat/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTranscriber struct {
	mock.Mock
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio Audio) (*Transcript, error) {
	args := m.Called(ctx, audio)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Transcript), args.Error(1)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":             "mp3",
		"audio/webm;codecs=opus": "webm",
		"AUDIO/OGG":              "ogg",
		"application/json":       "bin",
		"":                       "bin",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestClampRate(t *testing.T) {
	assert.Equal(t, 1.0, ClampRate(0))
	assert.Equal(t, 0.25, ClampRate(0.1))
	assert.Equal(t, 4.0, ClampRate(10))
	assert.Equal(t, 1.5, ClampRate(1.5))
}

func TestCheckAudio(t *testing.T) {
	_, err := CheckAudio(&Audio{MimeType: "audio/mpeg"})
	assert.ErrorIs(t, err, resilience.ErrMalformed)
	assert.ErrorIs(t, err, ErrEmptyAudio)

	_, err = CheckAudio(nil)
	assert.Error(t, err)

	a, err := CheckAudio(&Audio{Data: []byte{1}})
	require.NoError(t, err)
	assert.Len(t, a.Data, 1)
}

func TestDurableTranscriber_RetriesOnOutage(t *testing.T) {
	audio := Audio{Data: []byte("voice"), MimeType: "audio/webm"}
	tr := new(MockTranscriber)
	tr.On("Transcribe", mock.Anything, audio).
		Return(nil, resilience.NewStatusError(503, errors.New("down"))).Once()
	tr.On("Transcribe", mock.Anything, audio).
		Return(&Transcript{Text: "hello", Language: "en"}, nil).Once()

	d := NewDurableTranscriber(tr, nil, queue.Options[Audio, *Transcript]{
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, d.Engine().Start())
	defer d.Engine().Stop()

	p, err := d.Submit(context.Background(), audio)
	require.NoError(t, err)
	assert.True(t, p.Queued())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	tr.AssertExpectations(t)
}

func TestDurableTranscriber_TerminalError(t *testing.T) {
	audio := Audio{Data: []byte("noise"), MimeType: "audio/webm"}
	tr := new(MockTranscriber)
	tr.On("Transcribe", mock.Anything, audio).
		Return(nil, resilience.NewStatusError(415, errors.New("unsupported media"))).Once()

	d := NewDurableTranscriber(tr, nil, queue.Options[Audio, *Transcript]{})
	defer d.Engine().Stop()

	_, err := d.Submit(context.Background(), audio)
	require.Error(t, err)
	assert.Equal(t, 0, d.Engine().Len())
}
