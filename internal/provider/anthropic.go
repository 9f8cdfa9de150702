package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	generateSystem = "You are a capable assistant. Answer the user's request directly and concisely."
	planSystem     = "You are a planning component. Respond with JSON only, no prose and no code fences."
	classifySystem = "You are a routing component. Answer with exactly one label from the options given, or none. No other text."

	// classifyMaxTokens caps label answers.
	classifyMaxTokens = 32
)

// AnthropicConfig configures an Anthropic generator.
type AnthropicConfig struct {
	// Model is the Claude model id. Empty uses Claude Sonnet 4.
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey    string
	MaxTokens int64
	// UseBedrock routes requests through AWS Bedrock using the default
	// AWS credential chain.
	UseBedrock bool
	Region     string
	Profile    string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Anthropic is a Generator backed by the Anthropic Messages API.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     *Usage
}

// NewAnthropic creates an Anthropic generator.
func NewAnthropic(ctx context.Context, cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		if cfg.Profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries belong to the orchestrator's backoff policy.
	opts = append(opts, option.WithMaxRetries(0))

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		usage:     &Usage{},
	}, nil
}

// bedrockModel converts Anthropic model ids to Bedrock cross-region
// inference profile ids. Unknown ids pass through unchanged.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the model id requests are sent with.
func (a *Anthropic) Model() string {
	return string(a.model)
}

// Usage returns the token counter shared by all calls on a.
func (a *Anthropic) Usage() *Usage {
	return a.usage
}

// Generate answers prompt as free text.
func (a *Anthropic) Generate(ctx context.Context, prompt string) (string, error) {
	return a.complete(ctx, generateSystem, prompt, a.maxTokens)
}

// Plan answers prompt with JSON, using the full token budget.
func (a *Anthropic) Plan(ctx context.Context, prompt string) (string, error) {
	return a.complete(ctx, planSystem, prompt, a.maxTokens)
}

// Classify answers prompt with a short label. Only the first line of the
// answer is kept.
func (a *Anthropic) Classify(ctx context.Context, prompt string) (string, error) {
	text, err := a.complete(ctx, classifySystem, prompt, min(a.maxTokens, classifyMaxTokens))
	if err != nil {
		return "", err
	}
	return FirstLine(text), nil
}

func (a *Anthropic) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	a.usage.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Usage counts tokens across calls.
type Usage struct {
	mu     sync.Mutex
	input  int64
	output int64
	calls  int
}

// Add records one call's token usage.
func (u *Usage) Add(input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input += input
	u.output += output
	u.calls++
}

// Total returns input and output tokens so far.
func (u *Usage) Total() (input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.input, u.output
}

// Calls returns the number of recorded calls.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}
