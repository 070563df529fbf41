package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"nexusdesk/internal/config"
	"nexusdesk/internal/models"
)

// 画像 key
const (
	ProfileDefault     = "default"
	ProfileLegalIntake = "legal_intake"
)

// ProfileContext 选择画像时可用的公司信息
type ProfileContext struct {
	CompanyID   string
	CompanyName string
	Settings    models.AISettings
}

// PromptContext 构造系统指令所需的工单上下文
type PromptContext struct {
	CompanyName    string
	TicketTitle    string
	TicketCategory string
	Level          int
	Locale         string
	// Knowledge 租户知识库片段，原样嵌入
	Knowledge []string
}

// ModelReply 解析后的模型输出
type ModelReply struct {
	ResponseText        string         `json:"responseText"`
	EscalationSuggested bool           `json:"escalationSuggested"`
	InternalSummary     string         `json:"internalSummary,omitempty"`
	IntakeData          map[string]any `json:"intakeData,omitempty"`
}

// Profile AI 助手画像：匹配规则、提示词构造、输出解析
type Profile struct {
	Key         string
	Match       func(ProfileContext) bool
	BuildPrompt func(PromptContext) string
	ParseOutput func(raw string) (*ModelReply, error)
}

// ProfileSet 固定顺序的画像列表：显式 key > 垂直画像启发式（按列表顺序）> 默认画像
type ProfileSet struct {
	verticals []Profile
	fallback  Profile
}

// NewProfileSet 按配置构造内置画像
func NewProfileSet(cfg config.AIConfig) *ProfileSet {
	return &ProfileSet{
		verticals: []Profile{legalIntakeProfile(cfg.LegalIntake)},
		fallback:  defaultProfile(),
	}
}

// Select 依次匹配，第一个命中者胜出；结果只取决于输入
func (s *ProfileSet) Select(pc ProfileContext) Profile {
	if key := strings.TrimSpace(pc.Settings.ProfileKey); key != "" {
		if p, ok := s.Lookup(key); ok {
			return p
		}
	}
	for _, p := range s.verticals {
		if p.Match != nil && p.Match(pc) {
			return p
		}
	}
	return s.fallback
}

// Lookup 按 key 查找画像
func (s *ProfileSet) Lookup(key string) (Profile, bool) {
	if key == s.fallback.Key {
		return s.fallback, true
	}
	for _, p := range s.verticals {
		if p.Key == key {
			return p, true
		}
	}
	return Profile{}, false
}

// Keys 全部画像 key
func (s *ProfileSet) Keys() []string {
	keys := make([]string, 0, len(s.verticals)+1)
	for _, p := range s.verticals {
		keys = append(keys, p.Key)
	}
	return append(keys, s.fallback.Key)
}

func defaultProfile() Profile {
	return Profile{
		Key:   ProfileDefault,
		Match: func(ProfileContext) bool { return true },
		BuildPrompt: func(pc PromptContext) string {
			var b strings.Builder
			fmt.Fprintf(&b, "You are the virtual help desk assistant of %s.\n", orDefault(pc.CompanyName, "the company"))
			writeTicketContext(&b, pc)
			writeLevelInstructions(&b, pc.Level)
			writeKnowledge(&b, pc.Knowledge)
			b.WriteString(outputFormatBase)
			return b.String()
		},
		ParseOutput: func(raw string) (*ModelReply, error) {
			reply, _, err := parseBaseOutput(raw)
			return reply, err
		},
	}
}

const legalSummaryMarker = "ATTORNEY_SUMMARY"

func legalIntakeProfile(cfg config.LegalIntakeConfig) Profile {
	ids := make(map[string]struct{}, len(cfg.CompanyIDs))
	for _, id := range cfg.CompanyIDs {
		ids[id] = struct{}{}
	}
	keywords := make([]string, 0, len(cfg.NameKeywords))
	for _, k := range cfg.NameKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	block := NewHiddenBlock(legalSummaryMarker)

	return Profile{
		Key: ProfileLegalIntake,
		Match: func(pc ProfileContext) bool {
			if _, ok := ids[pc.CompanyID]; ok {
				return true
			}
			name := strings.ToLower(pc.CompanyName)
			for _, k := range keywords {
				if strings.Contains(name, k) {
					return true
				}
			}
			return false
		},
		BuildPrompt: func(pc PromptContext) string {
			var b strings.Builder
			fmt.Fprintf(&b, "You are the legal intake assistant of %s. You collect the facts of a prospective client's matter for an attorney. You never give legal advice or predict outcomes.\n", orDefault(pc.CompanyName, "the firm"))
			writeTicketContext(&b, pc)
			writeLevelInstructions(&b, pc.Level)
			writeKnowledge(&b, pc.Knowledge)
			b.WriteString(outputFormatBase)
			b.WriteString(`Also include "intakeData": an object with the facts gathered so far (for example parties, dates, jurisdiction, matterType, urgency). Omit unknown facts.
When you have enough facts, append to responseText a block [ATTORNEY_SUMMARY]...[/ATTORNEY_SUMMARY] with a concise summary for the attorney. The client never sees this block.
`)
			return b.String()
		},
		ParseOutput: func(raw string) (*ModelReply, error) {
			reply, obj, err := parseBaseOutput(raw)
			if err != nil {
				return nil, err
			}
			if visible, hidden, ok := block.Extract(reply.ResponseText); ok {
				reply.ResponseText = visible
				reply.InternalSummary = hidden
			}
			if data, ok := obj["intakeData"].(map[string]any); ok && len(data) > 0 {
				reply.IntakeData = data
			}
			return reply, nil
		},
	}
}

const outputFormatBase = `
Output format: reply with a single JSON object and nothing else, no Markdown.
Required keys: "responseText" (string, the message shown to the customer) and "escalationSuggested" (boolean, true when a human agent should take over).
`

func writeTicketContext(b *strings.Builder, pc PromptContext) {
	if pc.TicketTitle != "" {
		fmt.Fprintf(b, "Ticket title: %s\n", pc.TicketTitle)
	}
	if pc.TicketCategory != "" {
		fmt.Fprintf(b, "Ticket category: %s\n", pc.TicketCategory)
	}
	if pc.Locale != "" {
		fmt.Fprintf(b, "Answer in the customer's language (locale hint: %s).\n", pc.Locale)
	}
}

func writeLevelInstructions(b *strings.Builder, level int) {
	if level >= 2 {
		b.WriteString("Support level 2: give precise technical troubleshooting steps. Ask at most 2 questions per turn.\n")
		return
	}
	b.WriteString("Support level 1: triage simple issues with short, friendly answers. Ask at most 2 questions per turn. If the problem persists after your suggestions, set escalationSuggested to true.\n")
}

func writeKnowledge(b *strings.Builder, passages []string) {
	if len(passages) == 0 {
		return
	}
	b.WriteString("\nKnowledge base of this company. Treat it as authoritative when it is relevant to the question:\n")
	for _, p := range passages {
		b.WriteString("---\n")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("---\n")
}

// stripCodeFence 去掉 ```json ... ``` 包裹
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// 去掉语言标记，例如 json
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(strings.TrimSpace(s), "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseBaseOutput 校验通用字段；返回解析后的对象以便画像读取额外字段
func parseBaseOutput(raw string) (*ModelReply, map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &v); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not a JSON object", ErrMalformedModelOutput)
	}
	text, ok := obj["responseText"].(string)
	if !ok {
		return nil, nil, fmt.Errorf("%w: responseText must be a string", ErrMalformedModelOutput)
	}
	escalate, ok := obj["escalationSuggested"].(bool)
	if !ok {
		return nil, nil, fmt.Errorf("%w: escalationSuggested must be a boolean", ErrMalformedModelOutput)
	}
	return &ModelReply{ResponseText: text, EscalationSuggested: escalate}, obj, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
