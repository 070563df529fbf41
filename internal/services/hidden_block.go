package services

import "strings"

// HiddenBlock 嵌在模型回复正文里的内部区块，形如 [MARKER]...[/MARKER]
type HiddenBlock struct {
	Start string
	End   string
}

// NewHiddenBlock 以标记名构造起止标记
func NewHiddenBlock(marker string) HiddenBlock {
	return HiddenBlock{Start: "[" + marker + "]", End: "[/" + marker + "]"}
}

// Extract 取出第一个区块并从正文中移除。
// 没有起始标记或缺少结束标记时不报错：原文原样返回，found 为 false。
func (b HiddenBlock) Extract(text string) (visible, hidden string, found bool) {
	start := strings.Index(text, b.Start)
	if start < 0 {
		return text, "", false
	}
	rest := text[start+len(b.Start):]
	end := strings.Index(rest, b.End)
	if end < 0 {
		return text, "", false
	}

	hidden = strings.TrimSpace(rest[:end])
	before := strings.TrimRight(text[:start], " \t\n")
	after := strings.TrimLeft(rest[end+len(b.End):], " \t\n")
	switch {
	case before == "":
		visible = after
	case after == "":
		visible = before
	default:
		visible = before + "\n\n" + after
	}
	return visible, hidden, true
}
