package feishu

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// TextContent builds the JSON content payload for an outgoing text
// message: {"text":"..."}.
func TextContent(text string) string {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return string(payload)
}

// ExtractText parses the content payload of a fetched or inbound message
// into plain text. Supports "text" and "post"; other types yield "".
func ExtractText(msgType, raw string) string {
	switch strings.ToLower(strings.TrimSpace(msgType)) {
	case "text":
		return extractTextContent(raw, nil, "")
	case "post":
		return extractPostContent(raw, nil, "")
	default:
		return ""
	}
}

// mentionInfo resolves one mention placeholder key to its target.
type mentionInfo struct {
	Name string
	ID   string
}

func mentionKeyMap(mentions []*larkim.MentionEvent) map[string]mentionInfo {
	if len(mentions) == 0 {
		return nil
	}
	out := make(map[string]mentionInfo, len(mentions))
	for _, mention := range mentions {
		if mention == nil {
			continue
		}
		key := strings.TrimSpace(deref(mention.Key))
		if key == "" {
			continue
		}
		name := strings.TrimSpace(deref(mention.Name))
		id := ""
		if mention.Id != nil {
			id = strings.TrimSpace(deref(mention.Id.OpenId))
			if id == "" {
				id = strings.TrimSpace(deref(mention.Id.UserId))
			}
			if id == "" {
				id = strings.TrimSpace(deref(mention.Id.UnionId))
			}
		}
		out[key] = mentionInfo{Name: name, ID: id}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withAtPrefix(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "@") {
		return trimmed
	}
	return "@" + trimmed
}

func formatReadableMention(name, id, fallback string) string {
	name = strings.TrimSpace(name)
	id = strings.TrimSpace(id)
	fallback = strings.TrimSpace(fallback)

	if name != "" {
		atName := withAtPrefix(name)
		if id != "" && id != name {
			return atName + "(" + id + ")"
		}
		return atName
	}
	if id != "" {
		return withAtPrefix(id)
	}
	if fallback != "" {
		return withAtPrefix(fallback)
	}
	return ""
}

// renderMentionPlaceholders replaces @_user_N placeholders with readable
// @Name(id) mentions. Mentions of skipOpenID (the bot itself) are removed
// so the agent prompt does not open with the bot's own handle.
func renderMentionPlaceholders(text string, mentionMap map[string]mentionInfo, skipOpenID string) string {
	if strings.TrimSpace(text) == "" || len(mentionMap) == 0 {
		return text
	}

	keys := make([]string, 0, len(mentionMap))
	for key := range mentionMap {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return text
	}

	// Replace longer keys first to avoid `@_user_1` corrupting `@_user_10`.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] > keys[j]
	})

	out := text
	for _, key := range keys {
		info := mentionMap[key]
		if skipOpenID != "" && info.ID == skipOpenID {
			out = strings.ReplaceAll(out, key, "")
			continue
		}
		repl := formatReadableMention(info.Name, info.ID, key)
		if repl == "" || repl == key {
			continue
		}
		out = strings.ReplaceAll(out, key, repl)
	}
	return out
}

var mentionTagPattern = regexp.MustCompile(`<at\s+user_id="([^"]+)"\s*>([^<]*)</at>`)

func renderMentionTags(text string, mentionMap map[string]mentionInfo, skipOpenID string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	return mentionTagPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := mentionTagPattern.FindStringSubmatch(m)
		if len(sub) != 3 {
			return m
		}
		userID := strings.TrimSpace(sub[1])
		name := strings.TrimSpace(sub[2])

		mentionID := userID
		if info, ok := mentionMap[userID]; ok {
			if name == "" {
				name = info.Name
			}
			if strings.TrimSpace(info.ID) != "" {
				mentionID = info.ID
			}
		}
		if skipOpenID != "" && mentionID == skipOpenID {
			return ""
		}
		if name == "" {
			name = mentionID
		}
		if mentionID == "" || name == "" {
			return m
		}
		if mentionID == name {
			return withAtPrefix(name)
		}
		return withAtPrefix(name) + "(" + mentionID + ")"
	})
}

// extractTextContent parses a text message content JSON: {"text":"..."}.
func extractTextContent(raw string, mentions []*larkim.MentionEvent, skipOpenID string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return ""
	}
	mentionMap := mentionKeyMap(mentions)
	text = renderMentionPlaceholders(text, mentionMap, skipOpenID)
	text = renderMentionTags(text, mentionMap, skipOpenID)
	return strings.TrimSpace(text)
}

// extractPostContent flattens a post (rich text) content JSON:
// {"title":"...","content":[[{"tag":"text","text":"..."}]]}.
func extractPostContent(raw string, mentions []*larkim.MentionEvent, skipOpenID string) string {
	if raw == "" {
		return ""
	}

	type postElement struct {
		Tag      string `json:"tag"`
		Text     string `json:"text"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	type postPayload struct {
		Title   string          `json:"title"`
		Content [][]postElement `json:"content"`
	}

	var parsed postPayload
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}

	mentionMap := mentionKeyMap(mentions)
	var sb strings.Builder
	if title := strings.TrimSpace(parsed.Title); title != "" {
		sb.WriteString(title)
	}
	for _, line := range parsed.Content {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		for _, el := range line {
			switch el.Tag {
			case "text":
				sb.WriteString(renderMentionPlaceholders(el.Text, mentionMap, skipOpenID))
			case "at":
				rawUserID := strings.TrimSpace(el.UserID)
				userID := rawUserID
				name := strings.TrimSpace(el.UserName)
				if info, ok := mentionMap[rawUserID]; ok {
					if name == "" {
						name = info.Name
					}
					if strings.TrimSpace(info.ID) != "" {
						userID = info.ID
					}
				}
				if skipOpenID != "" && userID == skipOpenID {
					continue
				}
				if mention := formatReadableMention(name, userID, rawUserID); mention != "" {
					sb.WriteString(mention)
				}
			default:
				if el.Text != "" {
					sb.WriteString(el.Text)
				}
			}
		}
	}

	return strings.TrimSpace(sb.String())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
