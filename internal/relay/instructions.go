package relay

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lingorelay/internal/session"
)

var strictness = map[string]string{
	"off":    "Do not correct the user's mistakes; keep the conversation flowing.",
	"gentle": "Only correct mistakes that make the user hard to understand, and do it briefly by repeating the corrected phrase naturally.",
	"normal": "Correct clear grammar and vocabulary mistakes briefly, then continue the conversation.",
	"strict": "Point out every mistake, give the corrected sentence, and ask the user to repeat it before moving on.",
}

// BuildInstructions renders the upstream system instructions for prefs.
// scenarios maps scenario names to their role-play briefs; an unknown
// scenario falls back to free conversation.
func BuildInstructions(prefs session.Preferences, scenarios map[string]string) string {
	target := prefs.TargetLanguage
	if target == "" {
		target = "the language the user speaks to you in"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly conversation partner helping the user practise %s. ", target)
	fmt.Fprintf(&b, "Speak only %s and keep your turns short so the user does most of the talking.", target)
	if prefs.NativeLanguage != "" {
		fmt.Fprintf(&b, " The user's native language is %s; use it only when they are clearly stuck.", prefs.NativeLanguage)
	}

	rule, ok := strictness[strings.ToLower(prefs.CorrectionStrictness)]
	if !ok {
		rule = strictness["normal"]
	}
	b.WriteString("\n\n")
	b.WriteString(rule)

	if brief := scenarios[prefs.Scenario]; prefs.Scenario != "" && brief != "" {
		b.WriteString("\n\nScenario: ")
		b.WriteString(strings.TrimSpace(brief))
	}
	return b.String()
}
