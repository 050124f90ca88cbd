package wire

// Socket event names shared by the gateway, the CLI host and UI clients.
//
// RPC events carry an RPCRequest payload and are answered with an RPCResponse
// carrying the same request id. All other events are fire-and-forget.
const (
	// Gateway -> CLI routed RPC calls.
	EventRPCSessionCreate    = "rpc:session:create"
	EventRPCSessionClose     = "rpc:session:close"
	EventRPCSessionCancel    = "rpc:session:cancel"
	EventRPCSessionSetMode   = "rpc:session:set-mode"
	EventRPCSessionSetModel  = "rpc:session:set-model"
	EventRPCMessageSend      = "rpc:message:send"
	EventRPCPermissionDecide = "rpc:permission:decide"
	EventRPCFsList           = "rpc:fs:list"
	EventRPCFsRead           = "rpc:fs:read"
	EventRPCGitStatus        = "rpc:git:status"
	EventRPCGitDiff          = "rpc:git:diff"
	EventRPCEventsQuery      = "rpc:events:query"
	EventRPCEventsAck        = "rpc:events:ack"

	// CLI -> gateway.
	EventRPCResponse    = "rpc:response"
	EventSessionUpdate  = "session:update"
	EventSessionsList   = "sessions:list"
	EventCLIStatus      = "cli:status"
	EventPermissionReq  = "permission:request"
	EventTerminalOutput = "terminal:output"

	// UI <-> gateway subscription management.
	EventSubscribeSession   = "subscribe:session"
	EventUnsubscribeSession = "unsubscribe:session"
	EventSubscriptionError  = "subscription:error"
	EventSessionError       = "session:error"
	EventPermissionError    = "permission:error"
)

// Session update tags this relay inspects. The update payload itself is an
// opaque ACP SessionUpdate; only these tags and a handful of fields are read
// for consolidation and routing.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateTerminalOutput    = "terminal_output"
	UpdatePermissionRequest = "permission_request"
	UpdatePermissionResult  = "permission_result"
	UpdateUsage             = "usage_update"
	UpdateSessionInfo       = "session_info_update"
	UpdateCurrentMode       = "current_mode_update"
	UpdateAvailableCommands = "available_commands_update"
)
