package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/backend"
	"github.com/sells-group/grocer/internal/browser"
	"github.com/sells-group/grocer/internal/config"
	"github.com/sells-group/grocer/internal/orchestrator"
	"github.com/sells-group/grocer/internal/parser"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/internal/store"
	anthropicpkg "github.com/sells-group/grocer/pkg/anthropic"
	"github.com/sells-group/grocer/pkg/instacart"
	"github.com/sells-group/grocer/pkg/ollama"
	"github.com/sells-group/grocer/pkg/whisper"
)

// orderEnv holds everything an order command needs.
type orderEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	driver       *browser.ChromeDriver // nil when the browser fallback is off
}

// Close releases resources held by the environment.
func (e *orderEnv) Close() {
	if e.driver != nil {
		_ = e.driver.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initOrderEnv validates the config for mode, opens the store and builds
// the orchestrator with both backends. Callers should defer env.Close().
func initOrderEnv(ctx context.Context, mode string, opts ...orchestrator.Option) (*orderEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &orderEnv{Store: st}

	client := instacart.NewClient(
		instacart.WithBaseURL(cfg.Retailer.BaseURL),
		instacart.WithOperations(operations(cfg.Retailer.Operations)),
	)
	ttl := time.Duration(cfg.Retailer.SessionTTLMinutes) * time.Minute
	auth := session.NewInstacartAuthenticator(client, cfg.Retailer.Email, cfg.Retailer.Password, ttl)
	sessions := session.NewManager(auth, cfg.Timeouts.Login())

	api := backend.NewAPIBackend(client, backend.APIConfig{
		RetailerID:         cfg.Retailer.RetailerID,
		ZoneID:             cfg.Retailer.ZoneID,
		SearchLimit:        cfg.Retailer.SearchLimit,
		RequestsPerSecond:  cfg.Retailer.RequestsPerSecond,
		MaxClientErrors:    cfg.Retailer.MaxClientErrors,
		ClientErrorBackoff: resilience.FromRetryConfig(cfg.Retry),
		Circuit:            resilience.FromCircuitConfig(cfg.Circuit),
	})

	orchOpts := []orchestrator.Option{
		orchestrator.WithRetry(resilience.FromRetryConfig(cfg.Retry)),
		orchestrator.WithTimeouts(cfg.Timeouts.Call(), cfg.Timeouts.Checkout()),
		orchestrator.WithRetailerID(cfg.Retailer.RetailerID),
	}

	if cfg.Whisper.Key != "" {
		wc := whisper.NewClient(cfg.Whisper.Key,
			whisper.WithBaseURL(cfg.Whisper.BaseURL),
			whisper.WithModel(cfg.Whisper.Model),
		)
		orchOpts = append(orchOpts, orchestrator.WithTranscriber(wc, ""))
	} else {
		zap.L().Debug("GROCER_WHISPER_KEY not set, voice input disabled")
	}

	if cfg.Browser.Enabled {
		fallback, drv, err := initBrowserBackend(cfg.Browser, cfg.Retailer.BaseURL)
		if err != nil {
			zap.L().Warn("browser fallback disabled", zap.Error(err))
		} else {
			env.driver = drv
			webAuth := backend.NewBrowserAuthenticator(fallback, cfg.Retailer.Email, cfg.Retailer.Password, ttl)
			orchOpts = append(orchOpts,
				orchestrator.WithFallback(fallback),
				orchestrator.WithFallbackSessions(session.NewManager(webAuth, cfg.Timeouts.Login())),
			)
		}
	}

	p := parser.New(
		parser.WithInterpreter(buildInterpreter(cfg)),
		parser.WithConfidenceThreshold(cfg.Parser.ConfidenceThreshold),
		parser.WithTimeout(time.Duration(cfg.Parser.TimeoutSecs)*time.Second),
	)

	env.Orchestrator = orchestrator.New(p, sessions, st, api, append(orchOpts, opts...)...)
	return env, nil
}

func initBrowserBackend(bc config.BrowserConfig, baseURL string) (*backend.BrowserBackend, *browser.ChromeDriver, error) {
	drv, err := browser.NewChromeDriver(browser.Options{
		Headless:    bc.Headless,
		ExecPath:    bc.ExecPath,
		ProfilePath: bc.ProfilePath,
		Settle:      time.Duration(bc.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}

	profile := backend.DefaultProfile()
	if bc.MaxResults > 0 {
		profile.MaxResults = bc.MaxResults
	}
	b, err := backend.NewBrowserBackend(drv, baseURL, profile)
	if err != nil {
		_ = drv.Close()
		return nil, nil, err
	}
	return b, drv, nil
}

// buildInterpreter returns the configured language-model tier, or nil when
// only the fallback parser should run.
func buildInterpreter(c *config.Config) parser.Interpreter {
	switch c.Parser.Interpreter {
	case "anthropic":
		return parser.NewAnthropicInterpreter(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Anthropic.MaxTokens)
	case "ollama":
		oc := ollama.NewClient(ollama.WithBaseURL(c.Ollama.BaseURL), ollama.WithModel(c.Ollama.Model))
		return parser.NewOllamaInterpreter(oc, c.Ollama.Model)
	default:
		return nil
	}
}

func operations(in map[string]config.OperationConfig) map[string]instacart.Operation {
	out := make(map[string]instacart.Operation, len(in))
	for k, op := range in {
		out[k] = instacart.Operation{Name: op.Name, Hash: op.Hash}
	}
	return out
}
