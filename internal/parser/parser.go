// Package parser turns a transcript into a structured order draft. A
// language-model interpreter is tried first under a timeout; a deterministic
// tokenizer takes over when it fails, is slow, or is unsure.
package parser

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/model"
)

// Parser produces order drafts.
type Parser struct {
	interp    Interpreter
	threshold float64
	timeout   time.Duration
	units     *UnitTable
}

// Option configures a Parser.
type Option func(*Parser)

// WithInterpreter sets the primary tier. Without one every request goes
// straight to the tokenizer.
func WithInterpreter(i Interpreter) Option {
	return func(p *Parser) { p.interp = i }
}

// WithConfidenceThreshold sets the minimum interpreter confidence.
func WithConfidenceThreshold(t float64) Option {
	return func(p *Parser) { p.threshold = t }
}

// WithTimeout bounds a single interpreter call. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithUnits replaces the embedded unit table.
func WithUnits(u *UnitTable) Option {
	return func(p *Parser) { p.units = u }
}

// New creates a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		threshold: 0.6,
		timeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if p.units == nil {
		p.units = DefaultUnits()
	}
	return p
}

// Parse returns a draft for the transcript. It fails with ParseError only
// when neither tier finds an item.
func (p *Parser) Parse(ctx context.Context, tr model.Transcript) (model.OrderDraft, error) {
	if p.interp != nil {
		if draft, ok := p.interpret(ctx, tr.Text); ok {
			return draft, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return model.OrderDraft{}, model.WrapError(model.KindCanceled, err, "parse canceled")
	}

	items := normalize(tokenize(tr.Text, p.units), p.units)
	if len(items) == 0 {
		return model.OrderDraft{}, model.NewError(model.KindParse, "no grocery items found in request")
	}

	zap.L().Info("parsed request",
		zap.String("strategy", string(model.ParseStrategyFallback)),
		zap.Int("items", len(items)),
	)
	return model.OrderDraft{
		Items:      items,
		Strategy:   model.ParseStrategyFallback,
		Confidence: fallbackConfidence,
	}, nil
}

func (p *Parser) interpret(ctx context.Context, text string) (model.OrderDraft, bool) {
	log := zap.L().With(zap.String("interpreter", p.interp.Name()))

	ictx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.interp.Interpret(ictx, text)
	if err != nil {
		if ictx.Err() == context.DeadlineExceeded {
			log.Warn("interpreter timed out, using fallback parser", zap.Duration("timeout", p.timeout))
		} else {
			log.Warn("interpreter failed, using fallback parser", zap.Error(err))
		}
		return model.OrderDraft{}, false
	}

	if len(res.Items) == 0 {
		log.Info("interpreter found no items, using fallback parser")
		return model.OrderDraft{}, false
	}
	for _, it := range res.Items {
		if strings.TrimSpace(it.Name) == "" {
			log.Info("interpreter returned an unnamed item, using fallback parser")
			return model.OrderDraft{}, false
		}
	}
	if res.Confidence < p.threshold {
		log.Info("interpreter below confidence threshold, using fallback parser",
			zap.Float64("confidence", res.Confidence),
			zap.Float64("threshold", p.threshold),
		)
		return model.OrderDraft{}, false
	}

	items := normalize(res.Items, p.units)
	if len(items) == 0 {
		return model.OrderDraft{}, false
	}

	log.Info("parsed request",
		zap.String("strategy", string(model.ParseStrategyAI)),
		zap.Int("items", len(items)),
		zap.Float64("confidence", res.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.OrderDraft{
		Items:      items,
		Strategy:   model.ParseStrategyAI,
		Confidence: res.Confidence,
	}, true
}
