package protocol

// Directory and path constants used throughout vegeta.
const (
	// HomeDir is the user-level state directory (e.g., ~/.vegeta).
	HomeDir = ".vegeta"

	// AuditDir holds the append-only JSONL audit trails.
	AuditDir = "audit"

	// SovereignAuditFile is the sovereign action audit trail under AuditDir.
	SovereignAuditFile = "sovereign.jsonl"

	// HeartbeatAuditFile is the heartbeat cycle audit trail under AuditDir.
	HeartbeatAuditFile = "heartbeat.jsonl"

	// QueueDir is the file-drop transport root (incoming/, outgoing/, quarantine/).
	QueueDir = "queue"
)

// DefaultAgent is the agent routed to when nothing else matches and no
// default_agent is configured.
const DefaultAgent = "assistant"

// MaxChainDepth is the default delegation depth cap.
const MaxChainDepth = 15

// Well-known working-memory keys written by the heartbeat scheduler.
const (
	KeyHeartbeatLastTimestamp = "heartbeat.last_timestamp"
	KeyHeartbeatHealthScore   = "heartbeat.health_score"
	KeyHeartbeatLastActions   = "heartbeat.last_actions"
	KeyHeartbeatLastWarnings  = "heartbeat.last_warnings"
	KeyHeartbeatCompactDay    = "heartbeat.memory.compact.last_day"
	KeyBrainLastCheck         = "brain.last_check"
	KeyBrainLastSummary       = "brain.last_summary"
)

// AgentResetKey is the working-memory key that flags an agent for reset.
func AgentResetKey(agentID string) string {
	return "agent.health." + agentID + ".reset_flagged"
}

// ScheduleRunKey records the last day a schedule ran.
func ScheduleRunKey(scheduleID string) string {
	return "schedule." + scheduleID + ".last_day"
}

// ScheduleAttemptsKey counts failed attempts for a schedule on one day.
func ScheduleAttemptsKey(scheduleID, day string) string {
	return "schedule." + scheduleID + ".attempts." + day
}

// SovereignAliveKey is refreshed by a running sovereign loop each cycle.
func SovereignAliveKey(agentID string) string {
	return "sovereign." + agentID + ".last_cycle"
}
