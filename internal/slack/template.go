package slack

import (
	"fmt"
	"strings"

	"querymon/services/orchestrator/internal/severity"
	"querymon/services/orchestrator/internal/store"
)

// ActionAIAnalyze is the action_id carried by the alert's analyze
// button; the interactive handler routes on it.
const ActionAIAnalyze = "btn_ai_analyze_query_event"

func severityEmoji(s severity.Severity) string {
	switch s {
	case severity.Medium:
		return Emoji("large_yellow_circle")
	case severity.High:
		return Emoji("large_orange_circle")
	case severity.Critical:
		return Emoji("red_circle")
	default:
		return Emoji("large_blue_circle")
	}
}

// EventAlert builds the "slow query detected" message posted to every
// channel the owning project subscribes. The analyze button carries the
// event's query id as its value.
func EventAlert(project store.ProjectSnapshot, event store.QueryTransactionEvent) []Block {
	blocks := []Block{
		HeaderBlock(Emoji("rotating_light") + " Slow Query Detected " + Emoji("rotating_light")),
		DividerBlock(),
		SectionBlock(fmt.Sprintf("%s %s", Bold("Severity "+event.Severity.Label()), severityEmoji(event.Severity))),
		SectionBlock(fmt.Sprintf(
			"%s <!channel>, a slow query with severity %s has been detected in your project. Please review the details below.",
			Bold("Hello Team"), event.Severity,
		)),
		SectionBlock(Bold("Query:") + "\n" + Truncate(CodeBlock(event.RawQuery))),
	}

	if len(event.StackTrace) > 0 {
		blocks = append(blocks, SectionBlock(Truncate(
			Bold("Stack Trace:")+"\n"+CodeBlock(strings.Join(event.StackTrace, "\n")),
		)))
	}

	details := []string{
		Quoted(Bold("Project:") + " " + Code(project.Name)),
		Quoted(Bold("Environment:") + " " + Code(event.Environment)),
		Quoted(Bold("Execution Time:") + " " + Code(fmt.Sprintf("%d ms", event.ExecutionTimeMs))),
		Quoted(Bold("Query ID:") + " " + Code(event.QueryID)),
	}
	blocks = append(blocks, SectionBlock(strings.Join(details, "\n")))

	blocks = append(blocks, ActionsBlock(Button{
		Type:     "button",
		Text:     PlainText(Emoji("mag") + " AI Analyze"),
		ActionID: ActionAIAnalyze,
		Value:    event.QueryID,
		Style:    "primary",
	}))

	return blocks
}

// AnalysisComplete builds the reply sent to a requester once the AI
// report for their event is ready. reportURL is a time-limited link.
func AnalysisComplete(slackUserID string, event store.QueryTransactionEvent, reportURL string) []Block {
	return []Block{
		HeaderBlock(Emoji("white_check_mark") + " AI Analysis Complete"),
		DividerBlock(),
		SectionBlock(fmt.Sprintf(
			"%s your AI analysis for query %s is ready.",
			Mention(slackUserID), Code(event.QueryID),
		)),
		SectionBlock(Bold("Query:") + "\n" + Truncate(CodeBlock(event.RawQuery))),
		SectionBlock(fmt.Sprintf("%s <%s|Download Report> (link expires)", Emoji("page_facing_up"), reportURL)),
	}
}
