package assistant

import (
	"fmt"
	"strings"

	"synergysphere/api/internal/store"
)

const preamble = "You are a helpful project assistant. Based on the following context, answer the user's question."

// BuildContext renders the project, its tasks and the recent chat lines the
// model sees. history is expected oldest first.
func BuildContext(project store.Project, tasks []store.Task, history []store.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project Name: %s\n", project.Name)
	fmt.Fprintf(&b, "Project Description: %s\n\n", project.Description)

	b.WriteString("Tasks:\n")
	if len(tasks) == 0 {
		b.WriteString("- No tasks found.\n")
	}
	for _, task := range tasks {
		fmt.Fprintf(&b, "- %s (Status: %s)\n", task.Title, task.Status)
	}

	b.WriteString("\nRecent Chat History:\n")
	if len(history) == 0 {
		b.WriteString("- No recent messages.\n")
	}
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Username, msg.Body)
	}
	return b.String()
}

func BuildPrompt(contextBlock, question string) string {
	return preamble + "\n\n--- Context ---\n" + contextBlock + "\n--- User Question ---\n" + question
}
