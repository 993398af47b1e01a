package model

import (
	"fmt"
	"time"
)

// MessageStatus represents the personalization status of a chat message
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusReady      MessageStatus = "ready"
	MessageStatusFailed     MessageStatus = "failed"
)

// MessageKind distinguishes text from voice messages
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindVoice MessageKind = "voice"
)

// RenderingStatus is the outcome of personalizing a voice message for one recipient
type RenderingStatus string

const (
	RenderingStatusReady  RenderingStatus = "ready"
	RenderingStatusFailed RenderingStatus = "failed"
)

// Proficiency is a language-learner skill level
type Proficiency string

const (
	ProficiencyBeginner     Proficiency = "beginner"
	ProficiencyIntermediate Proficiency = "intermediate"
	ProficiencyAdvanced     Proficiency = "advanced"
)

// Valid reports whether p is a known level. The empty level is not valid.
func (p Proficiency) Valid() bool {
	switch p {
	case ProficiencyBeginner, ProficiencyIntermediate, ProficiencyAdvanced:
		return true
	}
	return false
}

// Message is a chat message as seen by the personalization core
type Message struct {
	ID             string        `json:"id" db:"id"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	Kind           MessageKind   `json:"kind" db:"kind"`
	Content        string        `json:"content" db:"content"`
	Language       string        `json:"language" db:"language"`
	AudioPath      *string       `json:"audio_path,omitempty" db:"audio_path"`
	AudioMimeType  string        `json:"audio_mime_type" db:"audio_mime_type"`
	SendAsIs       bool          `json:"send_as_is" db:"send_as_is"`
	Transcript     *string       `json:"transcript,omitempty" db:"transcript"`
	Status         MessageStatus `json:"processing_status" db:"processing_status"`
	ErrorText      *string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// HasAudio returns true if an uploaded recording is attached
func (m *Message) HasAudio() bool {
	return m.AudioPath != nil && *m.AudioPath != ""
}

// IsCompleted returns true if the message is in a final state
func (m *Message) IsCompleted() bool {
	return m.Status == MessageStatusReady || m.Status == MessageStatusFailed
}

// SetProcessing stores the transcript and marks the message as processing
func (m *Message) SetProcessing(transcript, language string) {
	m.Status = MessageStatusProcessing
	m.Transcript = &transcript
	if language != "" {
		m.Language = language
	}
	m.ErrorText = nil
	m.UpdatedAt = time.Now()
}

// SetReady marks the message as fully personalized
func (m *Message) SetReady() {
	m.Status = MessageStatusReady
	m.ErrorText = nil
	m.UpdatedAt = time.Now()
}

// SetError sets the message status to failed with error message
func (m *Message) SetError(errorText string) {
	m.Status = MessageStatusFailed
	m.ErrorText = &errorText
	m.UpdatedAt = time.Now()
}

// Preferences are a user's personalization settings
type Preferences struct {
	TargetLanguage string      `json:"target_language" db:"target_language"`
	Proficiency    Proficiency `json:"target_proficiency" db:"target_proficiency"`
	Voice          string      `json:"tts_voice" db:"tts_voice"`
	SpeechRate     float64     `json:"tts_rate" db:"tts_rate"`
}

// Participant is a conversation member together with their preferences
type Participant struct {
	UserID      string      `json:"user_id" db:"user_id"`
	Preferences Preferences `json:"preferences"`
}

// TransformationKind is the kind of derived text cached per message
type TransformationKind string

const (
	TransformationTranslation TransformationKind = "translation"
	TransformationScaled      TransformationKind = "scaled"
)

// TransformationKey identifies one derived text. At most one record exists per key.
type TransformationKey struct {
	MessageID      string             `json:"message_id"`
	Kind           TransformationKind `json:"kind"`
	TargetLanguage string             `json:"target_language"`
	Proficiency    Proficiency        `json:"target_proficiency,omitempty"`
}

func (k TransformationKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Kind, k.MessageID, k.TargetLanguage, k.Proficiency)
}

// TransformationRecord is an immutable cached translation or scaled text
type TransformationRecord struct {
	ID                string             `json:"id" db:"id"`
	MessageID         string             `json:"message_id" db:"message_id"`
	Kind              TransformationKind `json:"kind" db:"kind"`
	TargetLanguage    string             `json:"target_language" db:"target_language"`
	TargetProficiency Proficiency        `json:"target_proficiency,omitempty" db:"target_proficiency"`
	Text              string             `json:"text" db:"text"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
}

// Key returns the uniqueness key of the record
func (r *TransformationRecord) Key() TransformationKey {
	return TransformationKey{
		MessageID:      r.MessageID,
		Kind:           r.Kind,
		TargetLanguage: r.TargetLanguage,
		Proficiency:    r.TargetProficiency,
	}
}

// VoiceRendering is the personalized version of a voice message for one recipient
type VoiceRendering struct {
	ID                string          `json:"id" db:"id"`
	MessageID         string          `json:"message_id" db:"message_id"`
	RecipientID       string          `json:"recipient_user_id" db:"recipient_user_id"`
	SourceLanguage    string          `json:"source_language" db:"source_language"`
	TargetLanguage    string          `json:"target_language" db:"target_language"`
	TargetProficiency Proficiency     `json:"target_proficiency,omitempty" db:"target_proficiency"`
	NeedsTranslation  bool            `json:"needs_translation" db:"needs_translation"`
	NeedsScaling      bool            `json:"needs_scaling" db:"needs_scaling"`
	TranscriptText    string          `json:"transcript_text" db:"transcript_text"`
	TranslatedText    *string         `json:"translated_text,omitempty" db:"translated_text"`
	ScaledText        *string         `json:"scaled_text,omitempty" db:"scaled_text"`
	FinalText         string          `json:"final_text" db:"final_text"`
	FinalLanguage     string          `json:"final_language" db:"final_language"`
	FinalAudioPath    string          `json:"final_audio_path" db:"final_audio_path"`
	Status            RenderingStatus `json:"processing_status" db:"processing_status"`
	ErrorText         *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// BestText returns the most personalized text available:
// scaled, then translated, then the transcript.
func (r *VoiceRendering) BestText() string {
	if r.ScaledText != nil && *r.ScaledText != "" {
		return *r.ScaledText
	}
	if r.TranslatedText != nil && *r.TranslatedText != "" {
		return *r.TranslatedText
	}
	return r.TranscriptText
}

// SetReady marks the rendering as ready with the synthesized audio
func (r *VoiceRendering) SetReady(audioPath string) {
	r.Status = RenderingStatusReady
	r.FinalAudioPath = audioPath
	r.ErrorText = nil
	r.UpdatedAt = time.Now()
}

// SetFailed marks the rendering as failed, keeping playback on fallbackAudioPath
func (r *VoiceRendering) SetFailed(errorText, fallbackAudioPath string) {
	r.Status = RenderingStatusFailed
	r.ErrorText = &errorText
	r.FinalAudioPath = fallbackAudioPath
	r.UpdatedAt = time.Now()
}
