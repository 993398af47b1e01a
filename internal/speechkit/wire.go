package speechkit

import "encoding/json"

// SpeechKit v2 long-running recognition wire format

type recognitionRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  audioSource       `json:"audio"`
}

type recognitionConfig struct {
	Specification specification `json:"specification"`
}

type specification struct {
	LanguageCode      string `json:"languageCode"`
	Model             string `json:"model"`
	AudioEncoding     string `json:"audioEncoding"`
	SampleRateHertz   int    `json:"sampleRateHertz,omitempty"`
	AudioChannelCount int    `json:"audioChannelCount"`
	ProfanityFilter   bool   `json:"profanityFilter"`
	LiteratureText    bool   `json:"literatureText"`
}

type audioSource struct {
	URI string `json:"uri"`
}

// operationResponse is a Yandex Cloud operation; Response is set once Done
type operationResponse struct {
	ID       string          `json:"id"`
	Done     bool            `json:"done"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *operationError `json:"error,omitempty"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type recognitionResult struct {
	Chunks []struct {
		Alternatives []struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence,omitempty"`
		} `json:"alternatives"`
		ChannelTag string `json:"channelTag,omitempty"`
	} `json:"chunks"`
}
