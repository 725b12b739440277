package parser

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/pkg/anthropic"
	"github.com/sells-group/grocer/pkg/ollama"
)

// Interpreter is a language-model tier that turns free text into items.
type Interpreter interface {
	Name() string
	Interpret(ctx context.Context, text string) (Interpretation, error)
}

// Interpretation is what an interpreter returned.
type Interpretation struct {
	Items      []model.ParsedItem
	Confidence float64
}

const systemPrompt = `You convert a spoken or typed grocery request into a shopping list.

Respond with a single JSON object and nothing else:
{"items":[{"name":"milk","quantity":2,"unit":"gallon","confidence":0.95}],"confidence":0.9}

Rules:
- name: the product only, lowercase, no quantity or unit words.
- quantity: a positive number; use 1 when none is stated.
- unit: one of each, gallon, half gallon, quart, pint, liter, pound, ounce, bottle, can, box, package, bag, loaf, carton, bunch, jar, dozen. Use "each" when none is stated.
- confidence: 0 to 1, how sure you are of that item; the top-level confidence covers the whole list.
- Ignore filler such as "please", "I need" or "thanks".
- If the text names no groceries, return {"items":[],"confidence":0}.`

type wireItem struct {
	Name       string   `json:"name"`
	Quantity   *float64 `json:"quantity"`
	Unit       string   `json:"unit"`
	Confidence *float64 `json:"confidence"`
}

type wireResponse struct {
	Items      []wireItem `json:"items"`
	Confidence *float64   `json:"confidence"`
}

// decodeInterpretation extracts the JSON document from a model response. A
// missing overall confidence is the mean of the item confidences; when no
// confidence is reported at all the result is 0 and the draft is rejected.
func decodeInterpretation(raw string) (Interpretation, error) {
	doc := extractJSON(raw)
	if doc == "" {
		return Interpretation{}, eris.New("parser: no JSON in interpreter response")
	}

	var resp wireResponse
	if strings.HasPrefix(doc, "[") {
		if err := json.Unmarshal([]byte(doc), &resp.Items); err != nil {
			return Interpretation{}, eris.Wrap(err, "parser: decode item list")
		}
	} else if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return Interpretation{}, eris.Wrap(err, "parser: decode interpretation")
	}

	out := Interpretation{Items: make([]model.ParsedItem, 0, len(resp.Items))}
	var sum float64
	var reported int
	for _, wi := range resp.Items {
		it := model.ParsedItem{Name: wi.Name, Unit: wi.Unit}
		if wi.Quantity != nil {
			it.Quantity = *wi.Quantity
		}
		if wi.Confidence != nil {
			it.Confidence = *wi.Confidence
			sum += *wi.Confidence
			reported++
		}
		out.Items = append(out.Items, it)
	}

	switch {
	case resp.Confidence != nil:
		out.Confidence = *resp.Confidence
	case reported > 0:
		out.Confidence = sum / float64(reported)
	}
	for i := range out.Items {
		if resp.Items[i].Confidence == nil {
			out.Items[i].Confidence = out.Confidence
		}
	}
	return out, nil
}

// extractJSON returns the outermost JSON object or array in s, ignoring code
// fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}

// AnthropicInterpreter interprets requests with a Claude model.
type AnthropicInterpreter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicInterpreter creates an interpreter over the Messages API.
func NewAnthropicInterpreter(client anthropic.Client, model string, maxTokens int64) *AnthropicInterpreter {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicInterpreter{client: client, model: model, maxTokens: maxTokens}
}

// Name implements Interpreter.
func (a *AnthropicInterpreter) Name() string { return "anthropic" }

// Interpret implements Interpreter.
func (a *AnthropicInterpreter) Interpret(ctx context.Context, text string) (Interpretation, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt, "5m"),
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	})
	if err != nil {
		return Interpretation{}, err
	}
	resp.Usage.LogCost(a.model, "parse")

	return decodeInterpretation(resp.Text())
}

// OllamaInterpreter interprets requests with a local model.
type OllamaInterpreter struct {
	client ollama.Client
	model  string
}

// NewOllamaInterpreter creates an interpreter over a local Ollama server.
func NewOllamaInterpreter(client ollama.Client, model string) *OllamaInterpreter {
	return &OllamaInterpreter{client: client, model: model}
}

// Name implements Interpreter.
func (o *OllamaInterpreter) Name() string { return "ollama" }

// Interpret implements Interpreter.
func (o *OllamaInterpreter) Interpret(ctx context.Context, text string) (Interpretation, error) {
	resp, err := o.client.Generate(ctx, ollama.GenerateRequest{
		Model:   o.model,
		System:  systemPrompt,
		Prompt:  "Grocery request: " + text,
		Format:  "json",
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return Interpretation{}, err
	}
	zap.L().Debug("ollama interpretation",
		zap.String("model", resp.Model),
		zap.Int("eval_tokens", resp.EvalCount),
	)

	return decodeInterpretation(resp.Response)
}
