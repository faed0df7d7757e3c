package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"

	"sitecrew/internal/domain"
)

const instructions = `You plan construction work from contractor quotes.
Read the quote image and break the job into tasks a site crew can execute in order.
Each task needs a short verb-led title, a one-sentence description, granular steps,
a start_date and a due_date (YYYY-MM-DD) and an estimated_hours figure.
Every date must lie within the project window given in the request, inclusive.
Respond with JSON only.`

// OpenAICapability extracts tasks with a vision model through the Responses API.
type OpenAICapability struct {
	c     *openai.Client
	model string
}

// NewOpenAICapability returns a capability for model. An empty apiKey yields
// a capability whose Extract returns ErrNotConfigured.
func NewOpenAICapability(apiKey, model string, opts ...option.RequestOption) *OpenAICapability {
	if model == "" {
		model = openai.ChatModelGPT4_1Mini
	}
	if apiKey == "" {
		return &OpenAICapability{model: model}
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAICapability{c: &client, model: model}
}

func (o *OpenAICapability) Extract(ctx context.Context, quoteRef string, window domain.ScheduleWindow) (Output, error) {
	if o.c == nil {
		return Output{}, ErrNotConfigured
	}

	params := responses.ResponseNewParams{
		Model:        o.model,
		Instructions: param.NewOpt(instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{quoteMessage(quoteRef, window)},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   "quote_tasks",
					Schema: outputSchema,
					Strict: param.NewOpt(true),
				},
			},
		},
	}

	res, err := o.c.Responses.New(ctx, params)
	if err != nil {
		return Output{}, &CapabilityError{Err: err}
	}

	answer := ""
	for _, out := range res.Output {
		if out.Type == "message" {
			msg := out.AsMessage()
			if len(msg.Content) > 0 {
				answer = msg.Content[0].Text
			}
		}
	}
	if answer == "" {
		return Output{}, &CapabilityError{Err: errors.New("empty response")}
	}
	return DecodeOutput([]byte(answer))
}

func quoteMessage(quoteRef string, window domain.ScheduleWindow) responses.ResponseInputItemUnionParam {
	text := fmt.Sprintf("Project window: %s to %s.",
		window.Start.Format(time.DateOnly), window.Deadline.Format(time.DateOnly))
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role: responses.EasyInputMessageRoleUser,
			Type: responses.EasyInputMessageTypeMessage,
			Content: responses.EasyInputMessageContentUnionParam{
				OfInputItemContentList: responses.ResponseInputMessageContentListParam{
					{OfInputText: &responses.ResponseInputTextParam{Text: text}},
					{OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: param.NewOpt(quoteRef),
					}},
				},
			},
		},
	}
}

var outputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":           map[string]any{"type": "string"},
					"description":     map[string]any{"type": "string"},
					"steps":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"start_date":      map[string]any{"type": "string"},
					"due_date":        map[string]any{"type": "string"},
					"estimated_hours": map[string]any{"type": "number"},
				},
				"required":             []string{"title", "description", "steps", "start_date", "due_date", "estimated_hours"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"tasks"},
	"additionalProperties": false,
}
