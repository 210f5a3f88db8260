package identity

// Field names a logical value read from a webhook payload.
type Field string

const (
	FieldCallerID        Field = "caller_id"
	FieldUserID          Field = "user_id"
	FieldConversationID  Field = "conversation_id"
	FieldAgentID         Field = "agent_id"
	FieldSummary         Field = "summary"
	FieldTranscript      Field = "transcript"
	FieldDisplayName     Field = "display_name"
	FieldStartedAt       Field = "started_at"
	FieldEndedAt         Field = "ended_at"
	FieldDurationSeconds Field = "duration_seconds"
	FieldEndedBy         Field = "ended_by"
	FieldPrimaryModule   Field = "primary_module"
	FieldPrimaryTopic    Field = "primary_topic"
	FieldTopicTags       Field = "topic_tags"
)

// elevenDynVars is where the agent platform echoes conversation
// initiation variables back in its post-call envelope.
const elevenDynVars = "data.conversation_initiation_client_data.dynamic_variables."

// rules lists, per field, the payload paths tried in priority order.
// Supporting a new caller shape means adding a path here.
var rules = map[Field][]string{
	FieldCallerID: {
		"caller_id",
		"callerId",
		"from",
		"caller.phone",
		"data.metadata.phone_call.external_number",
		elevenDynVars + "system__caller_id",
	},
	FieldUserID: {
		"user_id",
		"userId",
		"user.id",
		"user.user_id",
		"data.user_id",
		"data.conversation_initiation_client_data.user_id",
		elevenDynVars + "user_id",
	},
	FieldConversationID: {
		"conversation_id",
		"conversationId",
		"conversation.id",
		"conversation.conversation_id",
		"data.conversation_id",
	},
	FieldAgentID: {
		"agent_id",
		"agentId",
		"agent.id",
		"data.agent_id",
	},
	FieldSummary: {
		"progress_summary",
		"summary",
		"conversation_summary",
		"conversation.summary",
		"call_summary",
		"data.analysis.transcript_summary",
	},
	FieldTranscript: {
		"transcript",
		"conversation.transcript",
		"data.transcript",
	},
	FieldDisplayName: {
		"user_name",
		"userName",
		"user.name",
		elevenDynVars + "user_name",
	},
	FieldStartedAt: {
		"started_at",
		"startedAt",
		"data.metadata.start_time_unix_secs",
	},
	FieldEndedAt: {
		"ended_at",
		"endedAt",
	},
	FieldDurationSeconds: {
		"duration_seconds",
		"durationSeconds",
		"data.metadata.call_duration_secs",
	},
	FieldEndedBy: {
		"ended_by",
		"endedBy",
	},
	FieldPrimaryModule: {
		"primary_module",
		"primaryModule",
	},
	FieldPrimaryTopic: {
		"primary_topic",
		"primaryTopic",
	},
	FieldTopicTags: {
		"topic_tags",
		"topicTags",
	},
}
