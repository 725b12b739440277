// Package transcript turns user input (typed text or recorded audio) into a
// model.Transcript.
package transcript

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/pkg/whisper"
)

// Source produces one transcript.
type Source interface {
	Transcript(ctx context.Context) (model.Transcript, error)
}

// TextSource is typed input.
type TextSource struct {
	Text string
}

// Transcript implements Source.
func (s TextSource) Transcript(_ context.Context) (model.Transcript, error) {
	text := strings.TrimSpace(s.Text)
	if text == "" {
		return model.Transcript{}, model.NewError(model.KindTranscription, "empty text input")
	}
	return model.TextTranscript(text), nil
}

// AudioFileSource transcribes a recorded audio file with a speech-to-text
// service.
type AudioFileSource struct {
	Client   whisper.Client
	Path     string
	Language string
}

// Transcript implements Source. Failures are never retried: a bad recording
// has to be re-captured.
func (s AudioFileSource) Transcript(ctx context.Context) (model.Transcript, error) {
	if s.Client == nil {
		return model.Transcript{}, model.NewError(model.KindTranscription, "no speech-to-text service configured")
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return model.Transcript{}, model.WrapError(model.KindTranscription, eris.Wrapf(err, "transcript: open %s", s.Path), "audio file unreadable")
	}
	defer f.Close() //nolint:errcheck

	resp, err := s.Client.Transcribe(ctx, whisper.TranscribeRequest{
		Filename: s.Path,
		Audio:    f,
		Language: s.Language,
		Prompt:   "A grocery shopping list.",
	})
	if err != nil {
		return model.Transcript{}, model.WrapError(model.KindTranscription, err, "speech-to-text failed")
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return model.Transcript{}, model.NewError(model.KindTranscription, "no speech detected")
	}

	zap.L().Debug("audio transcribed",
		zap.String("path", s.Path),
		zap.Int("chars", len(text)),
		zap.Float64("duration_secs", resp.Duration),
	)

	return model.Transcript{Text: text, Source: model.TranscriptSourceVoice}, nil
}
