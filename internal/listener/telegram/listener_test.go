package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUpdate = `{"ok":true,"result":[{"update_id":100,"channel_post":{
	"message_id":55,
	"chat":{"id":-1001234,"title":"Signals"},
	"date":1756700000,
	"caption":"GOLD BUY NOW",
	"photo":[
		{"file_id":"small","width":90,"height":60},
		{"file_id":"big","width":1280,"height":853}
	]}}]}`

func TestRunDeliversPhoto(t *testing.T) {
	var mu sync.Mutex
	var gotFileID string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/getUpdates"):
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				w.Write([]byte(sampleUpdate))
				return
			}
			// 第二次轮询应该带上推进后的 offset
			assert.Equal(t, "101", r.URL.Query().Get("offset"))
			w.Write([]byte(`{"ok":true,"result":[]}`))
		case strings.Contains(r.URL.Path, "/getFile"):
			mu.Lock()
			gotFileID = r.URL.Query().Get("file_id")
			mu.Unlock()
			w.Write([]byte(`{"ok":true,"result":{"file_path":"photos/file_55.jpg"}}`))
		case strings.Contains(r.URL.Path, "/file/"):
			w.Write([]byte{0xff, 0xd8, 0xff, 0x00})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	l, err := NewListener(Config{BotToken: "tok", BaseURL: srv.URL, PollTimeoutSec: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	photos := make(chan Photo, 1)
	go l.Run(ctx, func(_ context.Context, p Photo) {
		photos <- p
		cancel()
	})

	select {
	case p := <-photos:
		assert.Equal(t, "-1001234:55", p.Detection.SourceMessageID)
		assert.Equal(t, "-1001234", p.Detection.ChannelID)
		assert.Equal(t, "GOLD BUY NOW", p.Detection.Caption)
		assert.Equal(t, "image/jpeg", p.MimeType)
		assert.Len(t, p.Image, 4)
		mu.Lock()
		assert.Equal(t, "big", gotFileID, "应下载最大分辨率的图片")
		mu.Unlock()
	case <-time.After(5 * time.Second):
		t.Fatal("handler 未被调用")
	}
}

func TestRunFiltersChannels(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/getUpdates") {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				w.Write([]byte(sampleUpdate))
				return
			}
			w.Write([]byte(`{"ok":true,"result":[]}`))
			return
		}
		t.Errorf("非订阅频道不应触发下载: %s", r.URL.Path)
	}))
	defer srv.Close()

	l, err := NewListener(Config{
		BotToken:       "tok",
		BaseURL:        srv.URL,
		PollTimeoutSec: 1,
		ChannelIDs:     []string{"-100999"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = l.Run(ctx, func(context.Context, Photo) {
		t.Error("handler 不应被调用")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunIgnoresTextPosts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			fmt.Fprint(w, `{"ok":true,"result":[{"update_id":1,"channel_post":{"message_id":2,"chat":{"id":-1},"caption":"no photo"}}]}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	}))
	defer srv.Close()

	l, err := NewListener(Config{BotToken: "tok", BaseURL: srv.URL, PollTimeoutSec: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	l.Run(ctx, func(context.Context, Photo) {
		t.Error("纯文本帖子不应触发 handler")
	})
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(Config{})
	require.Error(t, err)
}
