package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTranslateRequest_IdentityIsNoCopy(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	out, err := TranslateRequest(OpenAIChat, "openai", body)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(out))
}

func TestTranslateRequest_OpenAIChatToAnthropicMessages(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus","max_tokens":256,"messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hello"}
	]}`)

	out, err := TranslateRequest(OpenAIChat, "anthropic", body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "be terse", parsed.Get("system").String())
	assert.Equal(t, "user", parsed.Get("messages.0.role").String())
	assert.Equal(t, "hello", parsed.Get("messages.0.content").String())
	assert.Equal(t, int64(256), parsed.Get("max_tokens").Int())
}

func TestTranslateRequest_AnthropicMessagesToOpenAIChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4","system":"be terse","messages":[{"role":"user","content":"hello"}]}`)

	out, err := TranslateRequest(AnthropicMessages, "openai", body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "system", parsed.Get("messages.0.role").String())
	assert.Equal(t, "be terse", parsed.Get("messages.0.content").String())
	assert.Equal(t, "user", parsed.Get("messages.1.role").String())
}

func TestTranslateRequest_OpenAIChatToGoogleGenerate(t *testing.T) {
	body := []byte(`{"model":"gemini-pro","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hello"},
		{"role":"assistant","content":"hi there"}
	]}`)

	out, err := TranslateRequest(OpenAIChat, "google-ai", body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "be terse", parsed.Get("systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", parsed.Get("contents.0.role").String())
	assert.Equal(t, "model", parsed.Get("contents.1.role").String())
	assert.Equal(t, "hi there", parsed.Get("contents.1.parts.0.text").String())
}

func TestTranslateRequest_UnknownServiceErrors(t *testing.T) {
	_, err := TranslateRequest(OpenAIChat, "azure", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestTranslateResponse_AnthropicToOpenAI(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus","content":[{"type":"text","text":"hi"}],
		"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)

	out, err := TranslateResponse("anthropic", OpenAIChat, body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "hi", parsed.Get("choices.0.message.content").String())
	assert.Equal(t, int64(5), parsed.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(2), parsed.Get("usage.completion_tokens").Int())
}

func TestSupportsPair(t *testing.T) {
	assert.True(t, SupportsPair(OpenAIChat, AnthropicMessages))
	assert.True(t, SupportsPair(OpenAIChat, OpenAIChat))
}
