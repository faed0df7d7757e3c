package workflow

import (
	"strings"
	"unicode"
)

// Intent is a recognized worker reply.
type Intent string

const (
	IntentUnknown       Intent = ""
	IntentViewFirstTask Intent = "view_first_task"
	IntentStartNow      Intent = "start_now"
	IntentSkip          Intent = "skip"
	IntentDone          Intent = "done_confirmation"
	IntentStillWorking  Intent = "still_working"
	IntentAcknowledge   Intent = "acknowledge"
)

var phrases = map[string]Intent{
	"view first task": IntentViewFirstTask,
	"view task":       IntentViewFirstTask,
	"first task":      IntentViewFirstTask,
	"start now":       IntentStartNow,
	"start":           IntentStartNow,
	"skip":            IntentSkip,
	"skip task":       IntentSkip,
	"yes done":        IntentDone,
	"done":            IntentDone,
	"finished":        IntentDone,
	"completed":       IntentDone,
	"still working":   IntentStillWorking,
	"not yet":         IntentStillWorking,
	"ok":              IntentAcknowledge,
	"okay":            IntentAcknowledge,
	"thanks":          IntentAcknowledge,
	"thank you":       IntentAcknowledge,
}

// ParseIntent maps a reply to an intent. Replies may be an intent id, as sent
// by quick-reply buttons, or one of the known phrases. Case, punctuation and
// extra whitespace are ignored.
func ParseIntent(text string) Intent {
	raw := strings.TrimSpace(text)
	switch Intent(raw) {
	case IntentViewFirstTask, IntentStartNow, IntentSkip, IntentDone, IntentStillWorking, IntentAcknowledge:
		return Intent(raw)
	}
	return phrases[normalize(raw)]
}

func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		if r == '_' || r == '-' {
			return ' '
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
