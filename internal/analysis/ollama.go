package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

const (
	scenePrompt = `Describe this camera image for a blind pedestrian. Reply with JSON only, using this shape:
{"description": "<one sentence>", "objects": [{"name": "<noun>", "confidence": <0..1>, "position": {"x": <px>, "y": <px>, "width": <px>, "height": <px>}}], "tags": ["<word>"]}
Coordinates are pixels in the image.`

	textPrompt = `Transcribe any readable text in this image (signs, labels, screens). Reply with the text only, or NONE if there is no text.`

	systemPrompt = "You are a visual assistant that helps visually impaired people understand their surroundings. Be short and concrete."
)

// ErrEmptyResponse is returned when the model answers without content
var ErrEmptyResponse = errors.New("analysis: empty response from model")

// OllamaConfig contains configuration for the Ollama collaborator
type OllamaConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// Ollama is a collaborator backed by a local vision model served by Ollama
type Ollama struct {
	provider core.Provider
	agentLog logr.Logger
	logger   *slog.Logger
}

// NewOllama creates the Ollama collaborator. It does not contact the server.
func NewOllama(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 11434
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2-vision:11b"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "analysis-ollama")
	l := logr.FromSlogHandler(logger.Handler())

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &l,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	return newOllama(ctx, provider, cfg.Model, logger)
}

func newOllama(ctx context.Context, provider core.Provider, model string, logger *slog.Logger) (*Ollama, error) {
	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return nil, fmt.Errorf("analysis: failed to select model %s: %w", model, err)
	}
	return &Ollama{
		provider: provider,
		agentLog: logr.FromSlogHandler(logger.Handler()),
		logger:   logger,
	}, nil
}

// AnalyzeScene implements SceneAnalyzer
func (o *Ollama) AnalyzeScene(ctx context.Context, image []byte) (*types.Scene, error) {
	content, err := o.ask(ctx, scenePrompt, image)
	if err != nil {
		return nil, err
	}
	return parseScene(content), nil
}

// ExtractText implements TextExtractor
func (o *Ollama) ExtractText(ctx context.Context, image []byte) (string, error) {
	content, err := o.ask(ctx, textPrompt, image)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if strings.EqualFold(strings.Trim(content, ".\"'"), "none") {
		return "", nil
	}
	return content, nil
}

// ask runs one prompt against the image. Agents keep conversation history, so
// every call gets a fresh one.
func (o *Ollama) ask(ctx context.Context, prompt string, image []byte) (string, error) {
	a, err := agent.NewAgent(
		bootstrap.WithProvider(o.provider),
		bootstrap.WithLogger(&o.agentLog),
		bootstrap.WithSystemPrompt(systemPrompt),
		bootstrap.WithMaxSteps(2),
	)
	if err != nil {
		return "", fmt.Errorf("analysis: failed to create agent: %w", err)
	}

	agg, err := a.Run(ctx,
		agent.WithInput(systemPrompt+"\n\n"+prompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(image), "image/jpeg"),
		agent.WithStopCondition(func(*agent.AgentRunAggregator) bool { return true }),
	)
	if err != nil {
		return "", err
	}

	last := agg.Pop()
	if last == nil || last.Role != core.AssistantMessageRole || strings.TrimSpace(last.Content) == "" {
		return "", ErrEmptyResponse
	}
	return last.Content, nil
}

// parseScene reads the model's JSON answer. Models often wrap JSON in prose or
// code fences; anything unparseable becomes the description as-is.
func parseScene(content string) *types.Scene {
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		var scene types.Scene
		if err := json.Unmarshal([]byte(content[start:end+1]), &scene); err == nil {
			return &scene
		}
	}

	content = strings.Trim(content, "`")
	return &types.Scene{Description: strings.TrimSpace(content)}
}
