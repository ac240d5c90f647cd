package agents

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/casefile-ai/casefile/internal/config"
)

var ErrEmptyCompletion = errors.New("empty_completion")

// LLM is the completion surface the agents run against.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type openAIClient struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

func NewLLM(cfg config.Config, log *zap.Logger) LLM {
	return &openAIClient{
		client: openai.NewClient(cfg.OpenAIAPIKey),
		model:  cfg.OpenAIModel,
		log:    log.Named("agents.llm"),
	}
}

func (c *openAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		c.log.Error("chat completion failed", zap.String("model", c.model), zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
