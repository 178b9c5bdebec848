package alerter

import "strings"

// Alert macros supported in script parameters.
const (
	macroSendTo  = "{ALERT.SENDTO}"
	macroSubject = "{ALERT.SUBJECT}"
	macroMessage = "{ALERT.MESSAGE}"
)

// ExpandMacros substitutes the alert macros in a script parameter template.
// Strings without macros pass through unchanged.
func ExpandMacros(template, sendto, subject, message string) string {
	r := strings.NewReplacer(
		macroSendTo, sendto,
		macroSubject, subject,
		macroMessage, message,
	)
	return r.Replace(template)
}

// QuoteShellArg wraps s in single quotes, escaping embedded single quotes
// so the result is safe to append to a shell command line.
func QuoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
