package notifier

import (
	"fmt"
	"strings"
	"time"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的 Telegram 推送。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Timestamp time.Time
}

var eventIcons = map[EventType]string{
	EventOpened:               "🟢",
	EventClosed:               "🔵",
	EventRiskRejected:         "⛔",
	EventPhantomDetected:      "👻",
	EventCloseFailed:          "🚨",
	EventOrderUnknown:         "🚨",
	EventShutdownPendingClose: "🚨",
}

// MessageFor 把事件转换成推送文本结构。
func MessageFor(ev Event) StructuredMessage {
	lines := make([]string, 0, 6)
	if ev.Symbol != "" {
		side := ""
		if ev.Side != "" {
			side = " " + ev.Side
		}
		lines = append(lines, fmt.Sprintf("%s%s", ev.Symbol, side))
	}
	if ev.PositionID != "" {
		lines = append(lines, "position: "+ev.PositionID)
	}
	if ev.Reason != "" {
		lines = append(lines, "reason: "+ev.Reason)
	}
	if ev.Price.Valid {
		lines = append(lines, "price: "+ev.Price.Decimal.String())
	}
	if ev.Pnl.Valid {
		lines = append(lines, "pnl: "+ev.Pnl.Decimal.StringFixed(4))
	}
	if ev.Detail != "" {
		lines = append(lines, ev.Detail)
	}
	title := string(ev.Type)
	if ev.Type.Escalation() {
		title += " (action required)"
	}
	return StructuredMessage{
		Icon:      eventIcons[ev.Type],
		Title:     title,
		Sections:  []MessageSection{{Lines: lines}},
		Timestamp: ev.At,
	}
}

// RenderMarkdown 生成 Markdown 文本，超长时截断。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	var b strings.Builder
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return ""
	}
	return "```\n" + strings.TrimRight(b.String(), "\n") + "\n```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
