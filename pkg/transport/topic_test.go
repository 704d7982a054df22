package transport

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"agent.task", "agent.task", true},
		{"agent.task", "agent.task.status", false},
		{"agent.response.*", "agent.response.rockbot", true},
		{"agent.response.*", "agent.response.rockbot.extra", false},
		{"agent.#", "agent.task.status", true},
		{"agent.#", "agent", false},
		{"#", "anything.at.all", true},
		{"tool.meta.mcp.*", "tool.meta.mcp.refresh", true},
		{"tool.meta.mcp.*", "tool.meta.mcp", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}
