package onebot

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// event is the subset of an OneBot v11 event the adapter cares about.
type event struct {
	PostType      string          `json:"post_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageType   string          `json:"message_type"`
	UserID        int64           `json:"user_id"`
	GroupID       int64           `json:"group_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	MessageFormat string          `json:"message_format"`
	Time          int64           `json:"time"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

// displayName prefers the group card over the account nickname.
func (e *event) displayName() string {
	if name := strings.TrimSpace(e.Sender.Card); name != "" {
		return name
	}
	if e.Sender.Nickname != "" {
		return e.Sender.Nickname
	}
	return fmt.Sprintf("发言人%d", e.UserID)
}

// segment is one element of an array-format OneBot message.
type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
		URL  string `json:"url"`
		File string `json:"file"`
		QQ   any    `json:"qq"`
		ID   any    `json:"id"`
	} `json:"data"`
}

var (
	cqCodeRe   = regexp.MustCompile(`\[CQ:[^\]]+\]`)
	cqImageRe  = regexp.MustCompile(`\[CQ:image[^\]]*?url=([^,\]]+)`)
	cqAtUserRe = regexp.MustCompile(`\[CQ:at,qq=(\d+)\]`)
)

// extracted is the normalized payload of one inbound message.
type extracted struct {
	text      string
	imageURLs []string
	mentioned bool
	command   bool
}

// extract normalizes either message format into text plus image URLs and
// reports whether any of the bot's own accounts was mentioned.
func extract(ev *event, botIDs []string) extracted {
	var segs []segment
	if len(ev.Message) > 0 && json.Unmarshal(ev.Message, &segs) == nil && ev.MessageFormat != "string" {
		return extractSegments(segs, botIDs)
	}
	return extractRaw(ev.RawMessage, botIDs)
}

func extractSegments(segs []segment, botIDs []string) extracted {
	var out extracted
	var texts []string
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			if strings.TrimSpace(seg.Data.Text) != "" {
				texts = append(texts, seg.Data.Text)
			}
		case "image":
			if seg.Data.URL != "" {
				out.imageURLs = append(out.imageURLs, html.UnescapeString(seg.Data.URL))
			}
		case "at":
			qq := stringify(seg.Data.QQ)
			for _, id := range botIDs {
				if id != "" && id == qq {
					out.mentioned = true
				}
			}
		case "face":
			texts = append(texts, "[表情:"+stringify(seg.Data.ID)+"]")
		case "reply":
			texts = append(texts, "[回复:"+stringify(seg.Data.ID)+"]")
		default:
			texts = append(texts, "["+seg.Type+"]")
		}
	}
	out.text = strings.TrimSpace(strings.Join(texts, " "))
	out.command = isBaseCommand(out.text)
	return out
}

func extractRaw(raw string, botIDs []string) extracted {
	var out extracted
	for _, id := range botIDs {
		if id != "" && strings.Contains(raw, "[CQ:at,qq="+id+"]") {
			out.mentioned = true
		}
	}
	raw = cqAtUserRe.ReplaceAllString(raw, "")
	for _, match := range cqImageRe.FindAllStringSubmatch(raw, -1) {
		out.imageURLs = append(out.imageURLs, html.UnescapeString(match[1]))
	}
	out.text = strings.TrimSpace(cqCodeRe.ReplaceAllString(raw, ""))
	out.command = isBaseCommand(out.text)
	return out
}

// buildParts renders the extracted payload as chat-completion message parts.
// Commands pass through unformatted so the command handler can parse them;
// everything else carries the speaker attribution the model expects.
func buildParts(ex extracted, displayName string) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart

	text := ex.text
	switch {
	case ex.command:
		// keep verbatim
	case text != "":
		text = "发言人：" + displayName + "。\n发言内容：" + text
	case len(ex.imageURLs) == 0:
		text = "发言人：" + displayName + "。\n发言内容：[消息]"
	}
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	for _, url := range ex.imageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	return parts
}

// baseCommands mirrors the names the command handler recognises so the
// adapter can let command text through without speaker formatting.
var baseCommands = []string{
	"模型列表", "模型查询", "模型更换",
	"工具支持", "提示词", "设定提示词", "删除提示词",
	"上下文清理", "删除上下文", "重载", "热重载", "帮助",
}

func isBaseCommand(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "#") {
		return false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return false
	}
	for _, name := range baseCommands {
		if fields[0] == name {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprint(val)
	}
}
