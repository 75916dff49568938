package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You are a browser automation planner. You drive a real browser one action at a time towards a user's objective.

You will receive:
1. The objective
2. A page map containing the URL, title, and available interactive elements (buttons, inputs, links, etc.)
3. The actions already executed in this session and whether each one succeeded

Output exactly ONE JSON object:
{"action": <action or null>, "done": <boolean>}

An action has:
- "type": one of "navigate", "click", "type", "wait"
- "target": CSS selector for the target element (required for click and type)
- "text": text to type (required for type)
- "url": absolute URL (required for navigate)
- "delay": milliseconds; for wait it is the wait duration, otherwise the pause after the action
- "description": a short human-readable label

Guidelines:
- Use only selectors from the provided page map
- Plan only the next action; the page will be re-analyzed before you are asked again
- Add a delay of 300-1000ms after actions that trigger animations, 1500-2000ms after page changes
- If the previous action FAILED, try a different selector or approach instead of repeating it
- Set "done": true together with the final action, or with "action": null once the objective is fulfilled
- Do NOT generate wait actions or unnecessary clicks just to have something to do

Example:
{"action": {"type": "click", "target": "#new-item-btn", "delay": 1500, "description": "Open the new item dialog"}, "done": false}

Respond ONLY with the JSON object, no explanation or markdown.`

// executedStep is one entry of a session's history
type executedStep struct {
	Index  int
	Action PlannedAction
	Status string
	Error  string
}

func buildStepPrompt(objective string, page *PageSnapshot, history []executedStep) (string, error) {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(objective)
	b.WriteString("\n\n")

	if page != nil {
		pageJSON, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal page map: %w", err)
		}
		b.WriteString("Page map:\n")
		b.Write(pageJSON)
		b.WriteString("\n\n")
	}

	if len(history) == 0 {
		b.WriteString("No actions have been executed yet.")
		return b.String(), nil
	}
	b.WriteString("Executed actions:\n")
	for _, h := range history {
		fmt.Fprintf(&b, "%d. %s", h.Index+1, describePlanned(h.Action))
		switch h.Status {
		case "":
			b.WriteString(" (outcome unknown)")
		case "FAIL":
			fmt.Fprintf(&b, " (FAILED: %s)", h.Error)
		default:
			fmt.Fprintf(&b, " (%s)", h.Status)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func describePlanned(p PlannedAction) string {
	if p.Description != "" {
		return fmt.Sprintf("%s: %s", p.Type, p.Description)
	}
	switch p.Type {
	case "navigate":
		return "navigate to " + p.URL
	case "type":
		return fmt.Sprintf("type %q into %s", p.Text, p.Target)
	case "wait":
		return fmt.Sprintf("wait %dms", p.Delay)
	default:
		return p.Type + " " + p.Target
	}
}

// decision is the model's answer for one step
type decision struct {
	Action *PlannedAction `json:"action"`
	Done   bool           `json:"done"`
}

// parseDecision extracts the JSON object from a response that may contain
// surrounding text
func parseDecision(response string) (decision, error) {
	var d decision
	if err := json.Unmarshal([]byte(response), &d); err == nil {
		return d, nil
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return d, fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	end := -1
	inString, escaped := false, false
	for i := start; i < len(response) && end == -1; i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
	}
	if end == -1 {
		return d, fmt.Errorf("no matching closing brace found")
	}

	if err := json.Unmarshal([]byte(response[start:end]), &d); err != nil {
		return d, fmt.Errorf("failed to parse extracted JSON: %w", err)
	}
	return d, nil
}
