package dialect

import (
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// googleRoleFor maps the canonical assistant/user roles onto Google's
// "model"/"user" vocabulary. System content travels in a separate
// "systemInstruction" field, never in contents[].
func googleRoleFor(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func canonicalRoleFor(googleRole string) string {
	if googleRole == "model" {
		return "assistant"
	}
	return "user"
}

func decodeGoogleGenerate(body []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(body)

	conv := Conversation{
		Model:     parsed.Get("model").String(),
		MaxTokens: int(parsed.Get("generationConfig.maxOutputTokens").Int()),
	}
	if sysParts := parsed.Get("systemInstruction.parts"); sysParts.Exists() {
		conv.System = firstText(sysParts)
	}
	if t := parsed.Get("generationConfig.temperature"); t.Exists() {
		v := t.Float()
		conv.Temperature = &v
	}

	for _, c := range parsed.Get("contents").Array() {
		conv.Messages = append(conv.Messages, Message{
			Role:    canonicalRoleFor(c.Get("role").String()),
			Content: firstText(c.Get("parts")),
		})
	}

	return conv, nil
}

func firstText(parts gjson.Result) string {
	for _, p := range parts.Array() {
		if t := p.Get("text"); t.Exists() {
			return t.String()
		}
	}
	return ""
}

func encodeGoogleGenerate(conv Conversation) ([]byte, error) {
	body := []byte("{}")
	var err error

	if conv.System != "" {
		if body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", conv.System); err != nil {
			return nil, err
		}
	}
	if conv.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.maxOutputTokens", conv.MaxTokens); err != nil {
			return nil, err
		}
	}
	if conv.Temperature != nil {
		if body, err = sjson.SetBytes(body, "generationConfig.temperature", *conv.Temperature); err != nil {
			return nil, err
		}
	}

	contents := lo.Map(conv.Messages, func(m Message, _ int) map[string]any {
		return map[string]any{
			"role":  googleRoleFor(m.Role),
			"parts": []map[string]any{{"text": m.Content}},
		}
	})
	return sjson.SetBytes(body, "contents", contents)
}

func decodeGoogleCompletion(body []byte) (Completion, error) {
	parsed := gjson.ParseBytes(body)
	candidate := parsed.Get("candidates.0")
	return Completion{
		Role:         "assistant",
		Content:      firstText(candidate.Get("content.parts")),
		FinishReason: candidate.Get("finishReason").String(),
		InputTokens:  int(parsed.Get("usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(parsed.Get("usageMetadata.candidatesTokenCount").Int()),
	}, nil
}

func encodeGoogleCompletion(c Completion) ([]byte, error) {
	body := []byte("{}")
	var err error
	sets := map[string]any{
		"candidates.0.content.role":        "model",
		"candidates.0.content.parts.0.text": c.Content,
		"candidates.0.finishReason":        c.FinishReason,
		"usageMetadata.promptTokenCount":     c.InputTokens,
		"usageMetadata.candidatesTokenCount":  c.OutputTokens,
	}
	for path, val := range sets {
		if body, err = sjson.SetBytes(body, path, val); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// decodeGoogleStreamDelta decodes one Google-native partial
// GenerateContentResponse object. StreamTransformer passes it one SSE
// "data:" payload at a time; a stream sent as a bare JSON array is not
// split into objects anywhere in this package.
func decodeGoogleStreamDelta(payload []byte) (StreamDelta, bool) {
	parsed := gjson.ParseBytes(payload)
	candidate := parsed.Get("candidates.0")
	delta := StreamDelta{
		ContentDelta: firstText(candidate.Get("content.parts")),
		FinishReason: candidate.Get("finishReason").String(),
	}
	if delta.FinishReason != "" {
		delta.Done = true
		delta.OutputTokens = int(parsed.Get("usageMetadata.candidatesTokenCount").Int())
		delta.InputTokens = int(parsed.Get("usageMetadata.promptTokenCount").Int())
	}
	return delta, true
}

func encodeGoogleStreamDelta(d StreamDelta) ([]byte, error) {
	body := []byte("{}")
	var err error
	if body, err = sjson.SetBytes(body, "candidates.0.content.role", "model"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "candidates.0.content.parts.0.text", d.ContentDelta); err != nil {
		return nil, err
	}
	if d.FinishReason != "" {
		if body, err = sjson.SetBytes(body, "candidates.0.finishReason", d.FinishReason); err != nil {
			return nil, err
		}
	}
	return body, nil
}
