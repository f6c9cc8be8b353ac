// internal/agent/prompts.go
package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/actions"
	"github.com/skritek/pagepilot/internal/dom"
)

// extractedCap bounds how much extracted text one action may put into the
// conversation. Longer payloads are truncated; the model is told to keep
// what matters in its memory field.
const extractedCap = 4000

// systemPrompt is the fixed instruction set for an episode: identity, the
// task, how the page is presented, the action catalog and the reply
// contract. It travels outside the message window, so the task survives
// any amount of trimming.
func systemPrompt(task, catalog string) string {
	var b strings.Builder
	b.WriteString(`You drive a real web browser to complete a task for the user.

Each step you receive the current page as a numbered list of interactive elements. The numbers are only valid for the step they arrived in; never reuse a number from an earlier step.

Task:
`)
	b.WriteString(task)
	b.WriteString(`

Available actions:
`)
	b.WriteString(catalog)
	b.WriteString(`

Rules:
- Respond with a single JSON object and nothing else:
  {"state_assessment": "...", "memory": "...", "next_goal": "...", "actions": [{"name": "...", "params": {...}}]}
- state_assessment briefly judges how the previous step went. memory holds facts you must not lose, like data you read or progress you made. next_goal states what the actions below are for.
- Prefer one or two actions per step. When an action changes the page, the rest of the batch is skipped and you decide again on the fresh page.
- Use extract_text to read content, and record what matters in memory.
- When the task is complete, emit the done action with success and a summary, and emit it alone.
- When an action fails, its error is reported back to you. Change approach instead of repeating it.`)
	return b.String()
}

// stateMessage renders one step's perception for the model: location, the
// tab set when there is more than one, what moved since the last step, and
// the serialized element list.
func stateMessage(view *dom.SelectorMap, snap *schemas.PageSnapshot, tabs []schemas.TabInfo, diff dom.ViewDiff, step, textCap int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d\nURL: %s\n", step, snap.URL)
	if snap.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", snap.Title)
	}
	if len(tabs) > 1 {
		b.WriteString("Tabs:\n")
		for _, t := range tabs {
			marker := " "
			if t.Active {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s [%d] %s", marker, t.Index, t.URL)
			if t.Title != "" {
				fmt.Fprintf(&b, " (%s)", t.Title)
			}
			b.WriteByte('\n')
		}
	}
	if step > 0 && diff.Changed() {
		fmt.Fprintf(&b, "Change since last step: %d new elements, %d gone.\n",
			len(diff.NewIndices), len(diff.GoneSignatures))
	}
	b.WriteString("\nInteractive elements:\n")
	if view.Len() == 0 {
		b.WriteString("(none found)\n")
	} else {
		b.WriteString(dom.Serialize(view, dom.SerializeOptions{TextCap: textCap}))
	}
	return b.String()
}

// correctionMessage is the single re-prompt sent after an unparseable
// reply.
func correctionMessage(parseErr error) string {
	return fmt.Sprintf("Your reply could not be used: %v.\nAnswer again with only the JSON decision object, no prose and no code fences.", parseErr)
}

// batchMessage summarizes dispatched actions for the conversation, in
// dispatch order.
func batchMessage(batch *actions.BatchResult) string {
	if batch == nil || len(batch.Records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Action results:\n")
	for _, r := range batch.Records {
		fmt.Fprintf(&b, "- %s", r.Name)
		switch {
		case r.Skipped:
			fmt.Fprintf(&b, ": skipped (%s)", r.Error)
		case r.OK && r.Extracted != "":
			fmt.Fprintf(&b, ": ok\n%s", truncateRunes(r.Extracted, extractedCap))
		case r.OK:
			b.WriteString(": ok")
		default:
			fmt.Fprintf(&b, ": failed (%s)", r.Error)
		}
		b.WriteByte('\n')
	}
	if batch.HaltReason != "" {
		fmt.Fprintf(&b, "Batch halted early: %s.\n", batch.HaltReason)
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
