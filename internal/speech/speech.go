package speech

import (
	"context"
	"errors"
	"mime"
	"strings"

	"lingochat/pkg/resilience"
)

// Audio is an encoded recording
type Audio struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// Transcript is the result of speech recognition. Language is a BCP-47 tag,
// empty when the service did not detect one.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Voice selects how synthesized speech sounds
type Voice struct {
	Name     string
	Language string
	// Rate is a speed multiplier, 1.0 is normal
	Rate float64
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (*Transcript, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error)
}

var ErrEmptyAudio = errors.New("synthesizer returned no audio")

// CheckAudio rejects empty synthesis output as malformed
func CheckAudio(a *Audio) (*Audio, error) {
	if a == nil || len(a.Data) == 0 {
		return nil, resilience.Malformed(ErrEmptyAudio)
	}
	return a, nil
}

var extensions = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/ogg":   "ogg",
	"audio/opus":  "opus",
	"audio/webm":  "webm",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/mp4":   "m4a",
	"audio/aac":   "aac",
	"audio/flac":  "flac",
}

// Extension returns the file extension (without dot) for an audio MIME type
func Extension(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if ext, ok := extensions[base]; ok {
		return ext
	}
	return "bin"
}

// ClampRate keeps a speech rate within what providers accept
func ClampRate(rate float64) float64 {
	switch {
	case rate <= 0:
		return 1.0
	case rate < 0.25:
		return 0.25
	case rate > 4.0:
		return 4.0
	}
	return rate
}
