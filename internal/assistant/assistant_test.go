package assistant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"synergysphere/api/internal/store"
)

func TestParseMention(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		query string
		ok    bool
	}{
		{name: "exact prefix", body: "@assistant what's open?", query: "what's open?", ok: true},
		{name: "mixed case", body: "  @Assistant   summarize ", query: "summarize", ok: true},
		{name: "prefix only", body: "@ASSISTANT", query: "", ok: true},
		{name: "mention later in body", body: "hey @assistant", ok: false},
		{name: "shorter than prefix", body: "@as", ok: false},
		{name: "prefix inside a longer word", body: "@assistantship starts monday", ok: false},
		{name: "prefix glued to punctuation", body: "@assistant, hi", ok: false},
		{name: "tab after prefix", body: "@assistant\tlist tasks", query: "list tasks", ok: true},
		{name: "newline after prefix", body: "@assistant\nlist tasks", query: "list tasks", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, ok := ParseMention("@assistant", tc.body)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.query, query)
		})
	}
}

func TestBuildContext(t *testing.T) {
	t.Run("should list tasks and history", func(t *testing.T) {
		req := require.New(t)
		got := BuildContext(
			store.Project{Name: "Apollo", Description: "Moon"},
			[]store.Task{{Title: "Design", Status: store.TaskTodo}, {Title: "Ship", Status: store.TaskDone}},
			[]store.ChatMessage{{Username: "alice", Body: "hi"}, {Username: "bob", Body: "yo"}},
		)
		req.Equal("Project Name: Apollo\nProject Description: Moon\n\n"+
			"Tasks:\n- Design (Status: To Do)\n- Ship (Status: Done)\n"+
			"\nRecent Chat History:\nalice: hi\nbob: yo\n", got)
	})

	t.Run("should render placeholders when empty", func(t *testing.T) {
		req := require.New(t)
		got := BuildContext(store.Project{Name: "Apollo"}, nil, nil)
		req.Contains(got, "- No tasks found.\n")
		req.Contains(got, "- No recent messages.\n")
	})
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("CTX\n", "what's open?")
	require.Equal(t, "You are a helpful project assistant. Based on the following context, answer the user's question.\n\n"+
		"--- Context ---\nCTX\n\n--- User Question ---\nwhat's open?", got)
}
