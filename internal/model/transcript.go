package model

// TranscriptSource identifies where a transcript came from.
type TranscriptSource string

const (
	TranscriptSourceVoice TranscriptSource = "voice"
	TranscriptSourceText  TranscriptSource = "text"
)

// Transcript is the raw text of a grocery request. It is passed by value and
// never mutated once produced.
type Transcript struct {
	Text       string           `json:"text"`
	Source     TranscriptSource `json:"source"`
	Confidence *float64         `json:"confidence,omitempty"` // set only by speech engines
}

// TextTranscript wraps typed input as a transcript.
func TextTranscript(text string) Transcript {
	return Transcript{Text: text, Source: TranscriptSourceText}
}
