package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sigil/internal/logger"
	"sigil/internal/signal"
)

// 中文说明：
// Telegram 监听器：长轮询 getUpdates，只关心频道里带图片的帖子。
// 每张图片下载后连同 caption 一起交给上层处理。

// Photo is one downloaded chart image plus its provenance.
type Photo struct {
	Detection signal.RawDetection
	Image     []byte
	MimeType  string
}

// Handler consumes one photo. Blocking here stalls the poll loop, so heavy
// work should be dispatched to the executor's own workers.
type Handler func(ctx context.Context, p Photo)

// Config for the channel listener.
type Config struct {
	BotToken string
	// ChannelIDs restricts which channels are processed; empty means all.
	ChannelIDs     []string
	PollTimeoutSec int
	// BaseURL overrides api.telegram.org, for testing.
	BaseURL string
}

// Listener long-polls one bot token for channel posts with photos.
type Listener struct {
	cfg      Config
	client   *http.Client
	channels map[string]bool
}

// NewListener validates the config and builds the listener.
func NewListener(cfg Config) (*Listener, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram.bot_token 不能为空")
	}
	if cfg.PollTimeoutSec <= 0 {
		cfg.PollTimeoutSec = 30
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	channels := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			channels[id] = true
		}
	}
	return &Listener{
		cfg:      cfg,
		client:   &http.Client{Timeout: time.Duration(cfg.PollTimeoutSec+5) * time.Second},
		channels: channels,
	}, nil
}

type photoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type channelPost struct {
	MessageID int `json:"message_id"`
	Chat      struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"chat"`
	Date    int64       `json:"date"`
	Caption string      `json:"caption"`
	Photo   []photoSize `json:"photo"`
}

type update struct {
	UpdateID    int          `json:"update_id"`
	ChannelPost *channelPost `json:"channel_post"`
}

// Run blocks, polling until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, handler Handler) error {
	offset := 0
	logger.Infof("telegram 监听启动，频道过滤: %v", l.cfg.ChannelIDs)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("telegram 监听停止")
			return ctx.Err()
		default:
		}

		updates, err := l.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("telegram getUpdates 失败: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			post := u.ChannelPost
			if post == nil || len(post.Photo) == 0 {
				continue
			}
			chatID := strconv.FormatInt(post.Chat.ID, 10)
			if len(l.channels) > 0 && !l.channels[chatID] {
				logger.Debugf("忽略非订阅频道 %s 的消息", chatID)
				continue
			}
			photo, err := l.download(ctx, post)
			if err != nil {
				logger.Errorf("下载频道图片失败 (chat=%s msg=%d): %v", chatID, post.MessageID, err)
				continue
			}
			logger.Infof("收到频道图片: chat=%s msg=%d caption=%q", chatID, post.MessageID, post.Caption)
			handler(ctx, photo)
		}
	}
}

func (l *Listener) getUpdates(ctx context.Context, offset int) ([]update, error) {
	u := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d&allowed_updates=%s",
		l.cfg.BaseURL, l.cfg.BotToken, offset, l.cfg.PollTimeoutSec,
		url.QueryEscape(`["channel_post"]`))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var result struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析 getUpdates 响应失败: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram 返回 ok=false: %s", strings.TrimSpace(string(body)))
	}
	return result.Result, nil
}

// download fetches the largest rendition of the post's photo.
func (l *Listener) download(ctx context.Context, post *channelPost) (Photo, error) {
	best := post.Photo[len(post.Photo)-1]

	var fileResp struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	u := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", l.cfg.BaseURL, l.cfg.BotToken, url.QueryEscape(best.FileID))
	if err := l.getJSON(ctx, u, &fileResp); err != nil {
		return Photo{}, err
	}
	if !fileResp.OK || fileResp.Result.FilePath == "" {
		return Photo{}, fmt.Errorf("getFile 未返回 file_path")
	}

	fileURL := fmt.Sprintf("%s/file/bot%s/%s", l.cfg.BaseURL, l.cfg.BotToken, fileResp.Result.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return Photo{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return Photo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Photo{}, fmt.Errorf("下载图片 status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return Photo{}, err
	}

	chatID := strconv.FormatInt(post.Chat.ID, 10)
	det := signal.RawDetection{
		SourceMessageID: fmt.Sprintf("%s:%d", chatID, post.MessageID),
		ChannelID:       chatID,
		ImageRef:        fileResp.Result.FilePath,
		Caption:         post.Caption,
		Timestamp:       time.Unix(post.Date, 0),
	}
	return Photo{Detection: det, Image: data, MimeType: mimeFromPath(fileResp.Result.FilePath)}, nil
}

func (l *Listener) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func mimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
