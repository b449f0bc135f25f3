package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = `You assess blockchain governance proposal changes for node operators, wallet and exchange integrators.
Rate the impact of the change as Critical, High, Medium or Low.
Critical: consensus or security relevant, hard forks, urgent action.
High: protocol behaviour changes integrators must plan for.
Medium: proposals advancing towards activation without immediate action.
Low: editorial or early stage changes.
Answer only with the JSON object described by the schema.`

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxRetries is passed to the SDK; negative keeps its default.
	MaxRetries int
}

// OpenAI asks an OpenAI-compatible chat endpoint for a structured verdict.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
	schema    any
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 400
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		schema:    verdictSchema(),
	}
}

func verdictSchema() any {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return r.Reflect(&Verdict{})
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Analyze(ctx context.Context, req Request) (Verdict, error) {
	params := openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(req)),
		},
		MaxCompletionTokens: openai.Int(int64(o.maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "impact_verdict",
					Schema: o.schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Verdict{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: no choices", ErrMalformedVerdict)
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	var v Verdict
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	return v, nil
}

func userPrompt(req Request) string {
	ev, p := req.Event, req.Proposal
	var b strings.Builder
	name := req.ProtocolName
	if name == "" {
		name = ev.Protocol
	}
	fmt.Fprintf(&b, "Protocol: %s\n", name)
	fmt.Fprintf(&b, "Proposal: %s\n", ev.ProposalID)
	fmt.Fprintf(&b, "Title: %s\n", firstNonEmpty(p.Title, ev.Title))
	fmt.Fprintf(&b, "Change: %s", ev.Kind)
	if ev.PreviousStatus != "" && ev.PreviousStatus != ev.NewStatus {
		fmt.Fprintf(&b, " (%s -> %s)", ev.PreviousStatus, ev.NewStatus)
	} else {
		fmt.Fprintf(&b, " (status %s)", ev.NewStatus)
	}
	b.WriteString("\n")
	if p.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", p.Author)
	}
	if body := strings.TrimSpace(p.Body); body != "" {
		body = truncateUTF8(body, maxPromptBody)
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}

const maxPromptBody = 4000

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
