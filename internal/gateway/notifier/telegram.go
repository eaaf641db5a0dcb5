package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// 中文说明：
// Telegram 通知器：把开平仓、风控拒绝与升级事件推送至指定群/频道。

const defaultTelegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
	// RetryDelay 为第 i 次失败后的等待基数，实际等待 (i+1)*RetryDelay。
	RetryDelay time.Duration
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken:   botToken,
		ChatID:     chatID,
		BaseURL:    defaultTelegramBaseURL,
		Client:     &http.Client{Timeout: 15 * time.Second},
		RetryDelay: time.Second,
	}
}

// SendText 发送文本消息（带最多 3 次重试）
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * t.RetryDelay)
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			// Telegram 以 {"ok":false,"description":...} 表示业务失败
			if gjson.ValidBytes(raw) && !gjson.GetBytes(raw, "ok").Bool() {
				return fmt.Errorf("telegram rejected message: %s", gjson.GetBytes(raw, "description").String())
			}
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d %s", resp.StatusCode, gjson.GetBytes(raw, "description").String())
	}
	return lastErr
}
