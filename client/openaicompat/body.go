package openaicompat

import (
	"encoding/json"

	"github.com/panelmux/panelmux"
)

// BuildBody converts a panelmux ChatRequest into the OpenAI wire format.
// Sampling parameters pass through; an unset temperature gets the engine
// default.
func BuildBody(req panelmux.ChatRequest) ChatRequest {
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		msgs = append(msgs, msg)
	}

	temp := req.Params.EffectiveTemperature()
	body := ChatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Stream:           req.Stream,
		Temperature:      &temp,
		TopP:             req.Params.TopP,
		TopK:             req.Params.TopK,
		MinP:             req.Params.MinP,
		MaxTokens:        req.Params.MaxTokens,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
	}

	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	return body
}

// BuildToolDefs converts panelmux ToolDefinitions to the OpenAI tool format.
func BuildToolDefs(tools []panelmux.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
