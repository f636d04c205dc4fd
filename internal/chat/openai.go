package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

// OpenAI implements Client on the Chat Completions API.
type OpenAI struct {
	client      oai.Client
	model       string
	searchModel string
}

type openAIConfig struct {
	baseURL     string
	searchModel string
}

// OpenAIOption is a functional option for NewOpenAI.
type OpenAIOption func(*openAIConfig)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = strings.TrimSpace(url)
	}
}

// WithSearchModel names the model used for requests with Search set.
func WithSearchModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.searchModel = strings.TrimSpace(model)
	}
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &OpenAI{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		searchModel: cfg.searchModel,
	}, nil
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return "", classifyOpenAIError("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", reliability.Wrap(reliability.KindUpstreamRejected, "openai chat", errors.New("empty choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAI) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return out.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return out.String(), classifyOpenAIError("openai chat stream", err)
	}
	return out.String(), nil
}

func (p *OpenAI) buildParams(req Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.History))
	for _, m := range req.History {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, oai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	model := p.model
	if req.Search && p.searchModel != "" {
		model = p.searchModel
	}
	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
}

func classifyOpenAIError(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return reliability.Wrap(reliability.KindForHTTPStatus(apiErr.StatusCode), op, err)
	}
	return reliability.Upstream(op, fmt.Errorf("request: %w", err))
}
