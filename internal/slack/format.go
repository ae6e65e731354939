package slack

import "strings"

// maxTextLength keeps section text inside Slack's 3000-character block
// limit with headroom for the surrounding markup.
const maxTextLength = 2900

func Bold(text string) string {
	return "*" + text + "*"
}

func Code(text string) string {
	return "`" + text + "`"
}

func CodeBlock(text string) string {
	return "```" + text + "```"
}

func Quoted(text string) string {
	return "> " + text
}

func Emoji(name string) string {
	return ":" + name + ":"
}

func Mention(userID string) string {
	return "<@" + userID + ">"
}

// Truncate caps text at maxTextLength, appending an ellipsis marker
// when anything was cut.
func Truncate(text string) string {
	if len(text) <= maxTextLength {
		return text
	}
	return strings.TrimSpace(text[:maxTextLength-4]) + " ..."
}
