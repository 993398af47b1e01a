package speechkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lingochat/internal/speech"
	"lingochat/internal/storage"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RecognizeURL  = "https://transcribe.api.cloud.yandex.net/speech/stt/v2/longRunningRecognize"
	OperationURL  = "https://operation.api.cloud.yandex.net/operations"
	SynthesizeURL = "https://tts.api.cloud.yandex.net/speech/v1/tts:synthesize"
	OperationPoll = 5 * time.Second
)

// ObjectStore holds recordings where the recognizer can read them
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	ObjectURL(key string) string
}

type Client struct {
	apiKey   string
	folderID string
	language string
	voice    string
	objects  ObjectStore
	client   *http.Client

	recognizeURL  string
	operationURL  string
	synthesizeURL string
	pollInterval  time.Duration
}

// New Yandex SpeechKit client. language is the recognition language
// ("ru-RU"); voice is the default synthesis voice.
func NewClient(apiKey, folderID, language, voice string, objects ObjectStore) *Client {
	return &Client{
		apiKey:   apiKey,
		folderID: folderID,
		language: language,
		voice:    voice,
		objects:  objects,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		recognizeURL:  RecognizeURL,
		operationURL:  OperationURL,
		synthesizeURL: SynthesizeURL,
		pollInterval:  OperationPoll,
	}
}

// Transcribe uploads the recording to object storage, runs long-running
// recognition on it, and removes the scratch object.
func (c *Client) Transcribe(ctx context.Context, audio speech.Audio) (*speech.Transcript, error) {
	encoding, err := audioEncoding(audio.MimeType)
	if err != nil {
		return nil, err
	}

	key := storage.ScratchAudioKey(uuid.NewString(), speech.Extension(audio.MimeType))
	if err := c.objects.Upload(ctx, key, audio.Data, audio.MimeType); err != nil {
		return nil, fmt.Errorf("failed to stage audio: %w", err)
	}
	defer func() {
		if err := c.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("Failed to delete staged audio", zap.String("key", key), zap.Error(err))
		}
	}()

	opID, err := c.startRecognition(ctx, c.objects.ObjectURL(key), encoding)
	if err != nil {
		return nil, err
	}
	result, err := c.waitForResult(ctx, opID)
	if err != nil {
		return nil, err
	}

	return &speech.Transcript{
		Text:     result.fullText(),
		Language: model.BaseLanguage(c.language),
	}, nil
}

func audioEncoding(mimeType string) (string, error) {
	switch speech.Extension(mimeType) {
	case "ogg", "opus":
		return "OGG_OPUS", nil
	case "mp3":
		return "MP3", nil
	case "wav":
		return "LINEAR16_PCM", nil
	}
	return "", resilience.Malformed(fmt.Errorf("speechkit: unsupported audio type %q", mimeType))
}

// startRecognition starts async recognition of the object at uri
func (c *Client) startRecognition(ctx context.Context, uri, encoding string) (string, error) {
	reqBody := recognitionRequest{
		Config: recognitionConfig{
			Specification: specification{
				LanguageCode:      c.language,
				Model:             "general:rc",
				AudioEncoding:     encoding,
				AudioChannelCount: 1,
				ProfanityFilter:   false,
				LiteratureText:    true,
			},
		},
		Audio: audioSource{
			URI: uri,
		},
	}
	if encoding == "LINEAR16_PCM" {
		reqBody.Config.Specification.SampleRateHertz = 48000
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recognizeURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-folder-id", c.folderID)

	logger.Debug("Starting speech recognition", zap.String("uri", uri))

	respBody, err := c.do(req, "recognition request")
	if err != nil {
		return "", err
	}

	var opResp operationResponse
	if err := json.Unmarshal(respBody, &opResp); err != nil {
		return "", resilience.Malformed(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if opResp.ID == "" {
		return "", resilience.Malformed(errNoOperation)
	}

	logger.Info("Recognition started", zap.String("operation_id", opResp.ID))
	return opResp.ID, nil
}

// waitForResult polls the operation until it is done or ctx ends
func (c *Client) waitForResult(ctx context.Context, operationID string) (*recognitionResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	startTime := time.Now()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.operationURL+"/"+operationID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		respBody, err := c.do(req, "operation check")
		if err != nil {
			return nil, err
		}

		var opResp operationResponse
		if err := json.Unmarshal(respBody, &opResp); err != nil {
			return nil, resilience.Malformed(fmt.Errorf("failed to unmarshal response: %w", err))
		}

		if opResp.Done {
			if opResp.Error != nil {
				return nil, fmt.Errorf("recognition failed: %s (code: %d)", opResp.Error.Message, opResp.Error.Code)
			}

			var result recognitionResult
			if len(opResp.Response) > 0 {
				if err := json.Unmarshal(opResp.Response, &result); err != nil {
					return nil, resilience.Malformed(fmt.Errorf("failed to unmarshal result: %w", err))
				}
			}

			logger.Info("Recognition completed",
				zap.String("operation_id", operationID),
				zap.Int("chunks", len(result.Chunks)))
			return &result, nil
		}

		logger.Debug("Recognition in progress",
			zap.String("operation_id", operationID),
			zap.Duration("elapsed", time.Since(startTime)))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Synthesize renders text with the v1 TTS endpoint as MP3
func (c *Client) Synthesize(ctx context.Context, text string, voice speech.Voice) (*speech.Audio, error) {
	name := voice.Name
	if name == "" {
		name = c.voice
	}
	lang := c.language
	if voice.Language != "" {
		lang = ttsLanguage(voice.Language)
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("lang", lang)
	form.Set("voice", name)
	form.Set("speed", strconv.FormatFloat(speech.ClampRate(voice.Rate), 'f', 2, 64))
	form.Set("format", "mp3")
	form.Set("folderId", c.folderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.synthesizeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := c.do(req, "synthesis request")
	if err != nil {
		return nil, err
	}
	return speech.CheckAudio(&speech.Audio{Data: data, MimeType: "audio/mpeg"})
}

// ttsLanguage expands a base tag to the regional form SpeechKit expects
func ttsLanguage(tag string) string {
	switch base := model.BaseLanguage(tag); base {
	case "en":
		return "en-US"
	case "ru":
		return "ru-RU"
	case "de":
		return "de-DE"
	case "kk":
		return "kk-KK"
	case "uz":
		return "uz-UZ"
	default:
		return tag
	}
}

// do sends an authorized request and returns the body of a 200 response
func (c *Client) do(req *http.Request, what string) ([]byte, error) {
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", what, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.NewStatusError(resp.StatusCode,
			fmt.Errorf("%s failed: %s", what, string(respBody)))
	}
	return respBody, nil
}

// fullText joins the first alternative of every chunk
func (r *recognitionResult) fullText() string {
	parts := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		if len(c.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(c.Alternatives[0].Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

var errNoOperation = errors.New("speechkit: empty operation id")
