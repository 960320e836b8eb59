package session

import "golang.org/x/text/language"

// systemMessage enumerates the localized session lifecycle notices.
type systemMessage int

const (
	msgSessionStarted systemMessage = iota
	msgSessionReset
	msgSessionEnded
)

var supportedLocales = []language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// systemText renders a lifecycle notice in the best supported match for
// the session's configured locale.
func systemText(locale string, msg systemMessage) string {
	_, index := language.MatchStrings(localeMatcher, locale)
	if supportedLocales[index] == language.BrazilianPortuguese {
		switch msg {
		case msgSessionStarted:
			return "Sessão iniciada. Boa sorte."
		case msgSessionReset:
			return "Sessão reiniciada. Todo o progresso foi descartado."
		case msgSessionEnded:
			return "Sessão encerrada. Nenhuma outra ação será executada."
		}
	}
	switch msg {
	case msgSessionStarted:
		return "Session started. Good luck."
	case msgSessionReset:
		return "Session reset. All progress has been discarded."
	case msgSessionEnded:
		return "Session ended. No further actions will run."
	}
	return ""
}
