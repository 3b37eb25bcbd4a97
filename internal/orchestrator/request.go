package orchestrator

// MCPServerConfig is one MCP server the agent may call out to during the
// turn, carried through to the sandbox agent's /execute body unmodified.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AgentRequest is the caller-supplied payload for one turn: user input plus
// the agent options the in-sandbox agent needs (model, tool allow-list,
// MCP configs, system prompt, environment). Tenant scopes the conversation's
// object-store prefix; it is opaque to everything below the Orchestrator.
type AgentRequest struct {
	Tenant         string            `json:"-"`
	ConversationID string            `json:"-"`
	UserInput      string            `json:"user_input"`
	ModelID        string            `json:"model_id,omitempty"`
	AllowedTools   []string          `json:"allowed_tools,omitempty"`
	MCPServers     []MCPServerConfig `json:"mcp_servers,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}
