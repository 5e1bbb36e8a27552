package dialect

import (
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func decodeOpenAIChat(body []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(body)

	var conv Conversation
	conv.Model = parsed.Get("model").String()
	conv.MaxTokens = int(parsed.Get("max_tokens").Int())
	conv.Stream = parsed.Get("stream").Bool()
	if t := parsed.Get("temperature"); t.Exists() {
		v := t.Float()
		conv.Temperature = &v
	}

	for _, m := range parsed.Get("messages").Array() {
		role := m.Get("role").String()
		content := m.Get("content").String()
		if role == "system" {
			conv.System = joinNonEmpty(conv.System, content)
			continue
		}
		conv.Messages = append(conv.Messages, Message{Role: role, Content: content})
	}

	return conv, nil
}

func encodeOpenAIChat(conv Conversation) ([]byte, error) {
	body := []byte("{}")
	var err error

	body, err = sjson.SetBytes(body, "model", conv.Model)
	if err != nil {
		return nil, err
	}
	if conv.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", conv.MaxTokens); err != nil {
			return nil, err
		}
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

	messages := conv.Messages
	if conv.System != "" {
		messages = append([]Message{{Role: "system", Content: conv.System}}, messages...)
	}

	msgValues := lo.Map(messages, func(m Message, _ int) map[string]any {
		return map[string]any{"role": m.Role, "content": m.Content}
	})
	return sjson.SetBytes(body, "messages", msgValues)
}

func decodeOpenAIText(body []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(body)
	return Conversation{
		Model:     parsed.Get("model").String(),
		MaxTokens: int(parsed.Get("max_tokens").Int()),
		Stream:    parsed.Get("stream").Bool(),
		Messages:  []Message{{Role: "user", Content: parsed.Get("prompt").String()}},
	}, nil
}

func encodeOpenAIText(conv Conversation) ([]byte, error) {
	prompt := conv.System
	for _, m := range conv.Messages {
		prompt = joinNonEmpty(prompt, m.Content)
	}

	body := []byte("{}")
	var err error
	if body, err = sjson.SetBytes(body, "model", conv.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "prompt", prompt); err != nil {
		return nil, err
	}
	if conv.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", conv.MaxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decodeOpenAICompletion(body []byte) (Completion, error) {
	parsed := gjson.ParseBytes(body)
	choice := parsed.Get("choices.0")
	return Completion{
		Model:        parsed.Get("model").String(),
		Role:         "assistant",
		Content:      choice.Get("message.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
		InputTokens:  int(parsed.Get("usage.prompt_tokens").Int()),
		OutputTokens: int(parsed.Get("usage.completion_tokens").Int()),
	}, nil
}

func encodeOpenAICompletion(c Completion) ([]byte, error) {
	body := []byte("{}")
	var err error
	sets := map[string]any{
		"model":                     c.Model,
		"object":                    "chat.completion",
		"choices.0.index":           0,
		"choices.0.message.role":    "assistant",
		"choices.0.message.content": c.Content,
		"choices.0.finish_reason":   c.FinishReason,
		"usage.prompt_tokens":       c.InputTokens,
		"usage.completion_tokens":   c.OutputTokens,
		"usage.total_tokens":        c.InputTokens + c.OutputTokens,
	}
	for path, val := range sets {
		if body, err = sjson.SetBytes(body, path, val); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// decodeOpenAIStreamDelta decodes one "data: {...}" payload from an
// OpenAI-native SSE stream.
func decodeOpenAIStreamDelta(payload []byte) (StreamDelta, bool) {
	if string(payload) == "[DONE]" {
		return StreamDelta{Done: true}, true
	}
	parsed := gjson.ParseBytes(payload)
	choice := parsed.Get("choices.0")
	delta := StreamDelta{
		ContentDelta: choice.Get("delta.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
	}
	if u := parsed.Get("usage"); u.Exists() {
		delta.InputTokens = int(u.Get("prompt_tokens").Int())
		delta.OutputTokens = int(u.Get("completion_tokens").Int())
	}
	return delta, true
}

// encodeOpenAIStreamDelta encodes a canonical delta as an OpenAI-native
// "data: {...}" JSON payload (without the surrounding SSE framing).
func encodeOpenAIStreamDelta(model string, d StreamDelta) ([]byte, error) {
	if d.Done {
		return []byte("[DONE]"), nil
	}
	body := []byte("{}")
	var err error
	sets := map[string]any{
		"model":                  model,
		"object":                 "chat.completion.chunk",
		"choices.0.index":        0,
		"choices.0.delta.content": d.ContentDelta,
	}
	for path, val := range sets {
		if body, err = sjson.SetBytes(body, path, val); err != nil {
			return nil, err
		}
	}
	if d.FinishReason != "" {
		if body, err = sjson.SetBytes(body, "choices.0.finish_reason", d.FinishReason); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func joinNonEmpty(existing, addition string) string {
	if existing == "" {
		return addition
	}
	if addition == "" {
		return existing
	}
	return existing + "\n" + addition
}
