// Package openai implements text transformation, speech-to-text and
// text-to-speech on the OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lingochat/internal/speech"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/dustin/go-humanize"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

type Config struct {
	APIKey    string
	BaseURL   string
	ChatModel string
	STTModel  string
	TTSModel  string
	TTSVoice  string
	Timeout   time.Duration
}

// Provider implements transform.Completer, speech.Transcriber and speech.Synthesizer
type Provider struct {
	client oai.Client
	cfg    Config
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}

	// retries belong to the durable queue
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &Provider{client: oai.NewClient(opts...), cfg: cfg}, nil
}

// Complete runs one chat completion with instructions as the system prompt
func (p *Provider) Complete(ctx context.Context, instructions, text string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.cfg.ChatModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(instructions),
			oai.UserMessage(text),
		},
	})
	if err != nil {
		return "", classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", resilience.Malformed(errors.New("openai: empty choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe recognizes speech and reports the detected language
func (p *Provider) Transcribe(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	filename := "audio." + speech.Extension(audio.MimeType)
	res, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio.Data), filename, audio.MimeType),
		Model:          oai.AudioModel(p.cfg.STTModel),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classify("transcription", err)
	}

	// verbose_json carries the detected language, which the typed struct omits
	var verbose struct {
		Language string `json:"language"`
	}
	if raw := res.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &verbose); err != nil {
			return nil, resilience.Malformed(fmt.Errorf("openai: decode transcription: %w", err))
		}
	}

	logger.Debug("Audio transcribed",
		zap.String("size", humanize.Bytes(uint64(len(audio.Data)))),
		zap.String("language", verbose.Language))

	return &speech.Transcript{
		Text:     strings.TrimSpace(res.Text),
		Language: LanguageTag(verbose.Language),
	}, nil
}

// Synthesize renders text as MP3 speech
func (p *Provider) Synthesize(ctx context.Context, text string, voice speech.Voice) (*speech.Audio, error) {
	name := voice.Name
	if name == "" {
		name = p.cfg.TTSVoice
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.cfg.TTSModel),
		Voice:          oai.AudioSpeechNewParamsVoice(name),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          param.NewOpt(speech.ClampRate(voice.Rate)),
	})
	if err != nil {
		return nil, classify("speech", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech: %w", err)
	}

	return speech.CheckAudio(&speech.Audio{Data: data, MimeType: "audio/mpeg"})
}

// classify attaches the HTTP status of API errors so retry policy can see it
func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return resilience.NewStatusError(apiErr.StatusCode, fmt.Errorf("openai: %s: %w", op, err))
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

var whisperLanguages = []string{
	"af", "ar", "hy", "az", "be", "bs", "bg", "ca", "zh", "hr", "cs", "da", "nl", "en",
	"et", "fi", "fr", "gl", "de", "el", "he", "hi", "hu", "is", "id", "it", "ja", "kn",
	"kk", "ko", "lv", "lt", "mk", "ms", "mr", "mi", "ne", "no", "fa", "pl", "pt", "ro",
	"ru", "sr", "sk", "sl", "es", "sw", "sv", "tl", "ta", "th", "tr", "uk", "ur", "vi", "cy",
}

var languageByName = func() map[string]string {
	names := display.English.Languages()
	m := make(map[string]string, len(whisperLanguages))
	for _, code := range whisperLanguages {
		m[strings.ToLower(names.Name(language.MustParse(code)))] = code
	}
	return m
}()

// LanguageTag maps a detected language ("english" or "en") to a base tag
func LanguageTag(detected string) string {
	detected = strings.ToLower(strings.TrimSpace(detected))
	if detected == "" {
		return ""
	}
	if code, ok := languageByName[detected]; ok {
		return code
	}
	return model.BaseLanguage(detected)
}
