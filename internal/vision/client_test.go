package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func TestExtractSendsImagePart(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		body = buf
		w.Write([]byte(chatResponse(`{"action":"BUY","symbol":"XAUUSD"}`)))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/v1", APIKey: "k-123", Model: "gpt-4o-mini"}
	out, err := c.Extract(context.Background(), BuildPrompt("Gold long"), []byte{0xff, 0xd8, 0xff}, "image/jpeg")
	require.NoError(t, err)
	assert.Contains(t, out, "XAUUSD")

	parts := gjson.GetBytes(body, "messages.0.content")
	require.True(t, parts.IsArray())
	assert.Equal(t, "text", parts.Get("0.type").String())
	assert.Contains(t, parts.Get("0.text").String(), "Caption: Gold long")
	assert.Equal(t, "image_url", parts.Get("1.type").String())
	assert.True(t, strings.HasPrefix(parts.Get("1.image_url.url").String(), "data:image/jpeg;base64,"))
}

func TestExtractRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatResponse("SELL XAUUSD SL 2360 TP 2310")))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Model: "test", MaxRetries: 2}
	out, err := c.Extract(context.Background(), "p", []byte{1}, "")
	require.NoError(t, err)
	assert.Equal(t, "SELL XAUUSD SL 2360 TP 2310", out)
	assert.Equal(t, 2, calls)
}

func TestExtractDefinitiveErrorNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Model: "test", MaxRetries: 3}
	_, err := c.Extract(context.Background(), "p", []byte{1}, "")
	require.Error(t, err)
	var unav *ErrUnavailable
	require.ErrorAs(t, err, &unav)
	assert.Contains(t, unav.Error(), "invalid api key")
	assert.Equal(t, 1, calls, "401 不应重试")
}

func TestExtractRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c := &Client{BaseURL: srv.URL, Model: "test", MaxRetries: 2}
	_, err := c.Extract(ctx, "p", []byte{1}, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtractEmptyImage(t *testing.T) {
	c := &Client{Model: "test"}
	_, err := c.Extract(context.Background(), "p", nil, "")
	require.Error(t, err)
}
