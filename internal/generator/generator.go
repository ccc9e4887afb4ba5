// Package generator asks a language model to draft recipes from what is in
// the pantry.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/larderhq/larder/internal/schema"
)

var (
	// ErrEmptyReply is returned when the model answers without any text.
	ErrEmptyReply = errors.New("model returned no text")

	// ErrInvalidRecipe is returned when the reply cannot be read as a recipe.
	ErrInvalidRecipe = errors.New("model reply is not a valid recipe")
)

// Request describes the recipe to draft.
type Request struct {
	Ingredients []string
	Servings    int
	Notes       string
}

// Generator drafts a recipe. The returned recipe has no uid; callers assign
// one before adding it to a repository.
type Generator interface {
	Generate(ctx context.Context, req Request) (schema.Recipe, error)
}

// Options configures the Claude generator.
type Options struct {
	APIKey    string // defaults to ANTHROPIC_API_KEY
	Model     string
	MaxTokens int64
	BaseURL   string // optional, for proxies and tests
	Logger    *log.Logger

	// RequestOptions are appended to the client options.
	RequestOptions []option.RequestOption
}

type messageAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Claude implements Generator with the Anthropic Messages API.
type Claude struct {
	messages  messageAPI
	model     string
	maxTokens int64
	logger    *log.Logger
}

const systemPrompt = `You write home-cooking recipes. Reply with a single JSON object and nothing else:
{"name": string, "description": string, "servings": number,
 "ingredients": [{"name": string, "quantity": string}], "steps": [string], "tags": [string]}`

// New creates a Claude generator.
func New(opts Options) *Claude {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[generator] ", log.LstdFlags)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, opts.RequestOptions...)

	client := anthropic.NewClient(clientOpts...)
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Claude{
		messages:  &client.Messages,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Generate implements Generator.
func (c *Claude) Generate(ctx context.Context, req Request) (schema.Recipe, error) {
	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(req))),
		},
	})
	if err != nil {
		return schema.Recipe{}, fmt.Errorf("failed to generate recipe: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return schema.Recipe{}, ErrEmptyReply
	}

	recipe, err := ParseRecipe(text.String())
	if err != nil {
		c.logger.Printf("Unusable reply (stop reason %s): %.200q", msg.StopReason, text.String())
		return schema.Recipe{}, err
	}
	return recipe, nil
}

// Prompt renders the user message for req.
func Prompt(req Request) string {
	var b strings.Builder
	b.WriteString("Write a recipe")
	if req.Servings > 0 {
		fmt.Fprintf(&b, " for %d servings", req.Servings)
	}
	if len(req.Ingredients) > 0 {
		fmt.Fprintf(&b, " that uses: %s", strings.Join(req.Ingredients, ", "))
	}
	b.WriteString(".")
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s", notes)
	}
	return b.String()
}

type recipeReply struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Servings    int                 `json:"servings"`
	Ingredients []schema.Ingredient `json:"ingredients"`
	Steps       []string            `json:"steps"`
	Tags        []string            `json:"tags"`
}

// ParseRecipe extracts the JSON object from a model reply. Markdown code
// fences and surrounding prose are tolerated.
func ParseRecipe(text string) (schema.Recipe, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return schema.Recipe{}, fmt.Errorf("%w: no JSON object found", ErrInvalidRecipe)
	}

	var reply recipeReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return schema.Recipe{}, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	reply.Name = strings.TrimSpace(reply.Name)
	if reply.Name == "" {
		return schema.Recipe{}, fmt.Errorf("%w: name is missing", ErrInvalidRecipe)
	}
	if reply.Servings < 0 {
		reply.Servings = 0
	}

	recipe := schema.Recipe{
		Name:        reply.Name,
		Description: reply.Description,
		Servings:    reply.Servings,
		Ingredients: reply.Ingredients,
		Steps:       reply.Steps,
		Tags:        reply.Tags,
	}
	recipe.SetDefaults()
	return recipe, nil
}
