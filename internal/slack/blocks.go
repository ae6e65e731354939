// Package slack builds and posts Block Kit messages. Only the block
// shapes this service emits are modeled; the transport is the plain
// chat.postMessage web API.
package slack

import "encoding/json"

type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func PlainText(text string) *Text {
	return &Text{Type: "plain_text", Text: text, Emoji: true}
}

func Markdown(text string) *Text {
	return &Text{Type: "mrkdwn", Text: text}
}

type Button struct {
	Type     string `json:"type"`
	Text     *Text  `json:"text"`
	ActionID string `json:"action_id,omitempty"`
	Value    string `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Style    string `json:"style,omitempty"`
}

// Block is one ordered content block: header, section, divider, or
// actions.
type Block struct {
	Type     string   `json:"type"`
	Text     *Text    `json:"text,omitempty"`
	Elements []Button `json:"elements,omitempty"`
}

func HeaderBlock(text string) Block {
	return Block{Type: "header", Text: PlainText(text)}
}

func SectionBlock(markdown string) Block {
	return Block{Type: "section", Text: Markdown(markdown)}
}

func DividerBlock() Block {
	return Block{Type: "divider"}
}

func ActionsBlock(buttons ...Button) Block {
	return Block{Type: "actions", Elements: buttons}
}

// MarshalBlocks encodes blocks for embedding in a queue job payload.
func MarshalBlocks(blocks []Block) (json.RawMessage, error) {
	return json.Marshal(blocks)
}
