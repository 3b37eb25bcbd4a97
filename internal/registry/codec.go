package registry

import (
	"strconv"
	"time"

	"github.com/workspacecore/workspacecore/internal/types"
)

// encodeSandbox flattens a SandboxInfo into the field map stored in a Redis
// hash.
func encodeSandbox(info types.SandboxInfo) map[string]string {
	return map[string]string{
		"sandbox_id":      info.SandboxID,
		"conversation_id": info.ConversationID,
		"agent_scheme":    info.AgentEndpoint.Scheme,
		"agent_socket":    info.AgentEndpoint.Socket,
		"agent_url":       info.AgentEndpoint.URL,
		"proxy_scheme":    info.ProxyEndpoint.Scheme,
		"proxy_socket":    info.ProxyEndpoint.Socket,
		"proxy_url":       info.ProxyEndpoint.URL,
		"created_at":      strconv.FormatInt(info.CreatedAt.UnixNano(), 10),
		"last_active_at":  strconv.FormatInt(info.LastActiveAt.UnixNano(), 10),
		"status":          string(info.Status),
		"manager_type":    string(info.ManagerType),
	}
}

// decodeSandbox rebuilds a SandboxInfo from a Redis hash reply. It returns
// false if the map is empty (key did not exist).
func decodeSandbox(fields map[string]string) (types.SandboxInfo, bool) {
	if len(fields) == 0 {
		return types.SandboxInfo{}, false
	}
	createdNS, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lastActiveNS, _ := strconv.ParseInt(fields["last_active_at"], 10, 64)
	return types.SandboxInfo{
		SandboxID:      fields["sandbox_id"],
		ConversationID: fields["conversation_id"],
		AgentEndpoint: types.Endpoint{
			Scheme: fields["agent_scheme"],
			Socket: fields["agent_socket"],
			URL:    fields["agent_url"],
		},
		ProxyEndpoint: types.Endpoint{
			Scheme: fields["proxy_scheme"],
			Socket: fields["proxy_socket"],
			URL:    fields["proxy_url"],
		},
		CreatedAt:    time.Unix(0, createdNS),
		LastActiveAt: time.Unix(0, lastActiveNS),
		Status:       types.Status(fields["status"]),
		ManagerType:  types.ManagerType(fields["manager_type"]),
	}, true
}
