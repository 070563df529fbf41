package services

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// 引擎自己发出的消息（兜底回复、预约通知）的多语言文案。
// key 即英文原文，其他语言通过 message.SetString 注册到默认 catalog。
const (
	msgAIFallback = "I'm having trouble answering right now. A member of our team can take over this conversation if you create a ticket or ask for a human agent."

	msgApptProposedByAgent = "The agent proposed an appointment on %s at %s (%s). Please confirm or suggest another time."
	msgApptProposedByUser  = "The customer proposed an appointment on %s at %s (%s)."
	msgApptRescheduled     = "A new time was suggested: %s at %s (%s)."
	msgApptConfirmed       = "Appointment confirmed for %s at %s (%s)."
	msgApptCancelled       = "The appointment on %s at %s was cancelled."
	msgApptDeleted         = "The appointment on %s at %s was removed."
	msgApptRestored        = "The appointment on %s at %s was restored."
)

var supportedLocales = []language.Tag{
	language.English, // 第一个为默认
	language.French,
	language.Chinese,
}

var localeMatcher = language.NewMatcher(supportedLocales)

func init() {
	translations := map[language.Tag]map[string]string{
		language.French: {
			msgAIFallback:          "Je rencontre une difficulté pour répondre pour le moment. Un membre de notre équipe peut prendre le relais si vous créez un ticket ou demandez un agent.",
			msgApptProposedByAgent: "L'agent a proposé un rendez-vous le %s à %s (%s). Merci de confirmer ou de proposer un autre créneau.",
			msgApptProposedByUser:  "Le client a proposé un rendez-vous le %s à %s (%s).",
			msgApptRescheduled:     "Un nouveau créneau a été proposé : %s à %s (%s).",
			msgApptConfirmed:       "Rendez-vous confirmé le %s à %s (%s).",
			msgApptCancelled:       "Le rendez-vous du %s à %s a été annulé.",
			msgApptDeleted:         "Le rendez-vous du %s à %s a été supprimé.",
			msgApptRestored:        "Le rendez-vous du %s à %s a été rétabli.",
		},
		language.Chinese: {
			msgAIFallback:          "暂时无法回答您的问题。您可以创建工单或请求人工客服，我们的同事会接手处理。",
			msgApptProposedByAgent: "客服提议预约时间：%s %s（%s），请确认或提出其他时间。",
			msgApptProposedByUser:  "客户提议预约时间：%s %s（%s）。",
			msgApptRescheduled:     "已提出新的时间：%s %s（%s）。",
			msgApptConfirmed:       "预约已确认：%s %s（%s）。",
			msgApptCancelled:       "%s %s 的预约已取消。",
			msgApptDeleted:         "%s %s 的预约已删除。",
			msgApptRestored:        "%s %s 的预约已恢复。",
		},
	}
	for tag, msgs := range translations {
		for key, text := range msgs {
			_ = message.SetString(tag, key, text)
		}
	}
}

// matchLocale 把任意 locale 字符串匹配到支持的语言，无法识别时回退英文
func matchLocale(locale string) language.Tag {
	if locale == "" {
		return supportedLocales[0]
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return supportedLocales[0]
	}
	_, idx, conf := localeMatcher.Match(tag)
	if conf == language.No {
		return supportedLocales[0]
	}
	return supportedLocales[idx]
}

func printerFor(locale string) *message.Printer {
	return message.NewPrinter(matchLocale(locale))
}

// localize 按 locale 渲染文案
func localize(locale, key string, args ...interface{}) string {
	return printerFor(locale).Sprintf(key, args...)
}
