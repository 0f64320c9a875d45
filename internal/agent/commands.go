package agent

import (
	"fmt"
	"strings"
)

const helpText = `Available commands:
/new            start a new conversation (clears history)
/model          show the active model
/model <name>   switch the active model
/models         list available models
/help           show this message`

// runCommand handles slash commands inline so they never reach the backend.
func (e *Engine) runCommand(run *Run, cmd string) string {
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "/new":
		e.store.Reset(run.SessionKey)
		return "Started a new conversation."
	case "/model":
		if len(fields) < 2 {
			return fmt.Sprintf("Active model: %s", e.ActiveModel())
		}
		name := strings.Join(fields[1:], " ")
		for _, m := range e.models {
			if m.ID == name || m.Name == name {
				name = m.ID
				break
			}
		}
		e.SetActiveModel(name)
		return fmt.Sprintf("Model set to %s.", name)
	case "/models":
		if len(e.models) == 0 {
			return fmt.Sprintf("No models configured. Active model: %s", e.ActiveModel())
		}
		var b strings.Builder
		b.WriteString("Available models:\n")
		for _, m := range e.models {
			b.WriteString("- " + m.ID)
			if m.Provider != "" {
				b.WriteString(" (" + m.Provider + ")")
			}
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n")
	case "/help":
		return helpText
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", fields[0])
	}
}
