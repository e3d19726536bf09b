package classify

import (
	"fmt"
	"strings"
)

const classifierSystemPrompt = "You are a message urgency classifier. Respond only with valid JSON."

const classificationPrompt = `You are a message urgency classifier for %s notifications.

Analyze this message and determine if it requires immediate attention.

URGENT indicators:
- Time-sensitive requests (now, ASAP, urgent, emergency)
- Important people (family, boss, close friends)
- Health or safety concerns
- Financial matters requiring action
- Work/school deadlines
- Direct questions requiring immediate response

NOT_URGENT indicators:
- Group chat casual conversation
- Memes, jokes, forwards
- Marketing/promotional messages
- General updates that can wait
- Automated notifications
- Social media activity updates

Message:
From: %s
%sContent: %s

Respond with ONLY a JSON object in this exact format:
{"urgency": "URGENT" or "NOT_URGENT", "reason": "one line explanation"}`

const triageSystemPrompt = "You are a notification triage analyst. Respond only with valid JSON."

const triagePrompt = `Summarize the following %s notification for an urgency reviewer.
List the concrete signals that could make it time-critical (deadlines, emergencies,
requests for immediate action, important relationships) and the signals that suggest
it can wait (promotions, automated updates, casual chatter).

From: %s
%sContent: %s

Respond with ONLY a JSON object in this exact format:
{"summary": "one or two sentences", "urgent_signals": ["..."], "calm_signals": ["..."]}`

const verdictSystemPrompt = "You are the final urgency reviewer for a paging system. Respond only with valid JSON."

const verdictPrompt = `A triage analyst reviewed a %s notification from %s.

Summary: %s
Signals suggesting urgency: %s
Signals suggesting it can wait: %s

Page the owner only when the message needs attention within the hour.

Respond with ONLY a JSON object in this exact format:
{"urgency": "URGENT" or "NOT_URGENT", "reason": "one line explanation"}`

func sourceLabel(message Message) string {
	if app := strings.TrimSpace(message.SourceApp); app != "" {
		return app
	}
	return "mobile app"
}

func senderLabel(message Message) string {
	if sender := strings.TrimSpace(message.Sender); sender != "" {
		return sender
	}
	return "Unknown"
}

func subjectLine(message Message) string {
	if subject := strings.TrimSpace(message.Subject); subject != "" {
		return "Subject: " + subject + "\n"
	}
	return ""
}

func buildClassificationPrompt(message Message) string {
	return fmt.Sprintf(classificationPrompt, sourceLabel(message), senderLabel(message), subjectLine(message), strings.TrimSpace(message.Text))
}

func buildTriagePrompt(message Message) string {
	return fmt.Sprintf(triagePrompt, sourceLabel(message), senderLabel(message), subjectLine(message), strings.TrimSpace(message.Text))
}

func buildVerdictPrompt(message Message, triage triageReport) string {
	return fmt.Sprintf(verdictPrompt,
		sourceLabel(message),
		senderLabel(message),
		strings.TrimSpace(triage.Summary),
		joinSignals(triage.UrgentSignals),
		joinSignals(triage.CalmSignals),
	)
}

func joinSignals(signals []string) string {
	cleaned := make([]string, 0, len(signals))
	for _, signal := range signals {
		if trimmed := strings.TrimSpace(signal); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return "none"
	}
	return strings.Join(cleaned, "; ")
}
