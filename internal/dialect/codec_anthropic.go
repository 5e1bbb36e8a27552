package dialect

import (
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func decodeAnthropicMessages(body []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(body)

	conv := Conversation{
		Model:     parsed.Get("model").String(),
		System:    parsed.Get("system").String(),
		MaxTokens: int(parsed.Get("max_tokens").Int()),
		Stream:    parsed.Get("stream").Bool(),
	}
	if t := parsed.Get("temperature"); t.Exists() {
		v := t.Float()
		conv.Temperature = &v
	}

	for _, m := range parsed.Get("messages").Array() {
		conv.Messages = append(conv.Messages, Message{
			Role:    m.Get("role").String(),
			Content: flattenAnthropicContent(m.Get("content")),
		})
	}

	return conv, nil
}

// flattenAnthropicContent collapses Anthropic's content-block array
// ([{"type":"text","text":"..."}]) into a single string, or passes a plain
// string content field through unchanged.
func flattenAnthropicContent(content gjson.Result) string {
	if content.IsArray() {
		var parts []string
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return content.String()
}

func encodeAnthropicMessages(conv Conversation) ([]byte, error) {
	body := []byte("{}")
	var err error

	if body, err = sjson.SetBytes(body, "model", conv.Model); err != nil {
		return nil, err
	}
	if conv.System != "" {
		if body, err = sjson.SetBytes(body, "system", conv.System); err != nil {
			return nil, err
		}
	}
	maxTokens := conv.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // Anthropic requires max_tokens; this is a conservative default
	}
	if body, err = sjson.SetBytes(body, "max_tokens", maxTokens); err != nil {
		return nil, err
	}
	if conv.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *conv.Temperature); err != nil {
			return nil, err
		}
	}
	if conv.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
	}

	msgValues := lo.Map(conv.Messages, func(m Message, _ int) map[string]any {
		return map[string]any{"role": m.Role, "content": m.Content}
	})
	return sjson.SetBytes(body, "messages", msgValues)
}

func decodeAnthropicComplete(body []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(body)
	prompt := parsed.Get("prompt").String()
	return Conversation{
		Model:     parsed.Get("model").String(),
		MaxTokens: int(parsed.Get("max_tokens_to_sample").Int()),
		Stream:    parsed.Get("stream").Bool(),
		Messages:  []Message{{Role: "user", Content: stripHumanAssistantMarkers(prompt)}},
	}, nil
}

func stripHumanAssistantMarkers(prompt string) string {
	prompt = strings.TrimPrefix(prompt, "\n\nHuman: ")
	prompt = strings.TrimSuffix(prompt, "\n\nAssistant:")
	return prompt
}

func encodeAnthropicComplete(conv Conversation) ([]byte, error) {
	var sb strings.Builder
	if conv.System != "" {
		sb.WriteString(conv.System)
		sb.WriteString("\n\n")
	}
	for _, m := range conv.Messages {
		sb.WriteString("\n\nHuman: ")
		sb.WriteString(m.Content)
	}
	sb.WriteString("\n\nAssistant:")

	body := []byte("{}")
	var err error
	if body, err = sjson.SetBytes(body, "model", conv.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "prompt", sb.String()); err != nil {
		return nil, err
	}
	maxTokens := conv.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return sjson.SetBytes(body, "max_tokens_to_sample", maxTokens)
}

func decodeAnthropicCompletion(body []byte) (Completion, error) {
	parsed := gjson.ParseBytes(body)
	return Completion{
		Model:        parsed.Get("model").String(),
		Role:         "assistant",
		Content:      flattenAnthropicContent(parsed.Get("content")),
		FinishReason: parsed.Get("stop_reason").String(),
		InputTokens:  int(parsed.Get("usage.input_tokens").Int()),
		OutputTokens: int(parsed.Get("usage.output_tokens").Int()),
	}, nil
}

func encodeAnthropicCompletion(c Completion) ([]byte, error) {
	body := []byte("{}")
	var err error
	sets := map[string]any{
		"model":                  c.Model,
		"type":                   "message",
		"role":                   "assistant",
		"content.0.type":         "text",
		"content.0.text":         c.Content,
		"stop_reason":            c.FinishReason,
		"usage.input_tokens":     c.InputTokens,
		"usage.output_tokens":    c.OutputTokens,
	}
	for path, val := range sets {
		if body, err = sjson.SetBytes(body, path, val); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// decodeAnthropicStreamDelta decodes one Anthropic-native SSE "data: {...}"
// payload. Anthropic emits several event types per turn
// (content_block_delta carries text, message_delta carries usage/stop
// reason); both are folded into StreamDelta.
func decodeAnthropicStreamDelta(payload []byte) (StreamDelta, bool) {
	parsed := gjson.ParseBytes(payload)
	switch parsed.Get("type").String() {
	case "content_block_delta":
		return StreamDelta{ContentDelta: parsed.Get("delta.text").String()}, true
	case "message_delta":
		return StreamDelta{
			FinishReason: parsed.Get("delta.stop_reason").String(),
			OutputTokens: int(parsed.Get("usage.output_tokens").Int()),
			Done:         true,
		}, true
	case "message_stop":
		return StreamDelta{Done: true}, true
	default:
		return StreamDelta{}, false
	}
}

// encodeAnthropicStreamDelta encodes a canonical delta as an Anthropic-
// native content_block_delta (or message_delta, for the terminal chunk)
// JSON payload.
func encodeAnthropicStreamDelta(d StreamDelta) ([]byte, error) {
	if d.Done {
		body := []byte("{}")
		var err error
		if body, err = sjson.SetBytes(body, "type", "message_delta"); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "delta.stop_reason", d.FinishReason); err != nil {
			return nil, err
		}
		return sjson.SetBytes(body, "usage.output_tokens", d.OutputTokens)
	}

	body := []byte("{}")
	var err error
	if body, err = sjson.SetBytes(body, "type", "content_block_delta"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "index", 0); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "delta.type", "text_delta"); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "delta.text", d.ContentDelta)
}
