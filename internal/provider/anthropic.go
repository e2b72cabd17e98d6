package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/resilience"
	"github.com/sells-group/report-verify/pkg/anthropic"
)

// AnthropicName is the provider key of the Anthropic adapter.
const AnthropicName = "anthropic"

const classifierPrompt = `You review citizen incident reports for a city operations team.
Given a JSON report with title, description and category, judge whether the text
describes a plausible real-world incident that matches its category.
Reply with a single JSON object and nothing else:
{"label": "<best matching category>", "confidence": <0..1>, "plausible": <true|false>, "reason": "<short>"}`

// AnthropicAdapter classifies report text with a Claude model.
type AnthropicAdapter struct {
	model     string
	breaker   *resilience.CircuitBreaker
	newClient func(apiKey string) anthropic.Client

	mu      sync.Mutex
	clients map[string]anthropic.Client
}

// NewAnthropicAdapter creates the adapter. newClient may be nil to use the
// SDK-backed client.
func NewAnthropicAdapter(model string, breaker *resilience.CircuitBreaker, newClient func(apiKey string) anthropic.Client) *AnthropicAdapter {
	if newClient == nil {
		newClient = func(apiKey string) anthropic.Client { return anthropic.NewClient(apiKey) }
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(AnthropicName, resilience.DefaultCircuitBreakerConfig())
	}
	return &AnthropicAdapter{
		model:     model,
		breaker:   breaker,
		newClient: newClient,
		clients:   make(map[string]anthropic.Client),
	}
}

func (a *AnthropicAdapter) Name() string { return AnthropicName }

// client returns the client for a credential, creating it on first use.
func (a *AnthropicAdapter) client(apiKey string) anthropic.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[apiKey]
	if !ok {
		c = a.newClient(apiKey)
		a.clients[apiKey] = c
	}
	return c
}

func (a *AnthropicAdapter) Call(ctx context.Context, payload Payload, credential string, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()

	input, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal anthropic payload")
	}
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   256,
		System:      anthropic.BuildCachedSystemBlocks(classifierPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: string(input)}},
		Temperature: &temp,
	}

	c := a.client(credential)
	body, err := resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (map[string]any, error) {
		resp, err := c.CreateMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(a.model, "content_classification")

		var out map[string]any
		if err := json.Unmarshal([]byte(anthropic.CleanJSON(resp.Text())), &out); err != nil {
			return nil, eris.Wrap(err, "decode classification")
		}
		return out, nil
	})
	if err != nil {
		return nil, classify(AnthropicName, err)
	}
	return &Response{Provider: AnthropicName, Body: body, Latency: time.Since(start)}, nil
}
