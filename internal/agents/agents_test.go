package agents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

func newTestSelection(t *testing.T) *ModelSelection {
	t.Helper()
	sel, err := NewModelSelection(story.TierEconomy)
	require.NoError(t, err)
	return sel
}

// TestOpenRouterLive calls the real API when a key is configured
func TestOpenRouterLive(t *testing.T) {
	key := os.Getenv("OPENROUTER_API_KEY")
	if key == "" {
		t.Skip("OPENROUTER_API_KEY not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := NewOpenRouterClient(key, "")
	text, err := client.Complete(ctx, &CompletionRequest{
		Model:     "openai/gpt-3.5-turbo",
		System:    "You answer in JSON.",
		User:      `Say 'Hello' in JSON format: {"greeting": "..."}`,
		MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, text)
	t.Logf("Response: %s", text)
}

func TestOpenRouterComplete(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"index":0,"message":{"role":"assistant","content":"[]"}}]}`)
	}))
	defer server.Close()

	client := NewOpenRouterClient("test-key", server.URL)
	text, err := client.Complete(context.Background(), &CompletionRequest{
		Model: "gpt-4", System: "sys", User: "usr", MaxTokens: 800, Temperature: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", text)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Contains(t, string(gotBody), `"max_tokens":800`)
	assert.Contains(t, string(gotBody), `"role":"system"`)
}

func TestOpenRouterStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   apperr.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, apperr.KindProviderRejected},
		{"payment", http.StatusPaymentRequired, `{"error":{"message":"credits"}}`, apperr.KindProviderRejected},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"quota exceeded"}}`, apperr.KindProviderRejected},
		{"throttled", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, apperr.KindProviderUnavailable},
		{"upstream", http.StatusBadGateway, `oops`, apperr.KindProviderUnavailable},
		{"unavailable", http.StatusServiceUnavailable, ``, apperr.KindProviderUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			_, err := NewOpenRouterClient("k", server.URL).Complete(context.Background(), &CompletionRequest{Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
}

func TestOpenRouterEmptyAndMissingKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer server.Close()

	_, err := NewOpenRouterClient("k", server.URL).Complete(context.Background(), &CompletionRequest{Model: "m"})
	assert.Equal(t, apperr.KindProviderEmpty, apperr.KindOf(err))

	_, err = NewOpenRouterClient("", server.URL).Complete(context.Background(), &CompletionRequest{Model: "m"})
	assert.True(t, apperr.IsProviderRejected(err))
}

func TestOpenRouterUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewOpenRouterClient("k", url).Complete(context.Background(), &CompletionRequest{Model: "m"})
	assert.True(t, apperr.IsProviderUnavailable(err))
}

func TestOpenAIProvider(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"model":"gpt-4"`) {
			gotModel = "gpt-4"
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer server.Close()

	text, err := NewOpenAIProvider("good", server.URL+"/").Complete(context.Background(), &CompletionRequest{
		Model: "gpt-4", System: "s", User: "u", MaxTokens: 10, Temperature: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "gpt-4", gotModel)

	_, err = NewOpenAIProvider("bad", server.URL+"/").Complete(context.Background(), &CompletionRequest{Model: "gpt-4"})
	assert.True(t, apperr.IsProviderRejected(err), "got %v", err)

	_, err = NewOpenAIProvider("", server.URL+"/").Complete(context.Background(), &CompletionRequest{Model: "gpt-4"})
	assert.True(t, apperr.IsProviderRejected(err))
}

func TestModelSelection(t *testing.T) {
	sel := newTestSelection(t)
	assert.Equal(t, story.TierEconomy, sel.Tier())

	require.NoError(t, sel.SetTier(story.TierPremium))
	assert.Equal(t, story.TierPremium, sel.Tier())

	err := sel.SetTier("ultra")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	assert.Equal(t, story.TierPremium, sel.Tier())

	_, err = NewModelSelection("")
	assert.Error(t, err)
}
