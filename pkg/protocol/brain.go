package protocol

// Message API method names (client <-> kernel), per the kernel's JSON
// request/response channel: every request is {type, ...}, every response is
// {ok, data?, error?}.
const (
	MethodConfigGetBrain  = "config.get"
	MethodConfigSaveBrain = "config.save"

	MethodBrainRunStart       = "brain.run.start"
	MethodBrainRunStop        = "brain.run.stop"
	MethodBrainRunSteer       = "brain.run.steer"
	MethodBrainRunFollowUp    = "brain.run.follow_up"
	MethodBrainRunQueuePromote = "brain.run.queue.promote"
	MethodBrainRunRegenerate  = "brain.run.regenerate"
	MethodBrainRunEditRerun   = "brain.run.edit_rerun"

	MethodBrainAgentRun = "brain.agent.run"

	MethodBrainSessionList         = "brain.session.list"
	MethodBrainSessionView         = "brain.session.view"
	MethodBrainSessionFork         = "brain.session.fork"
	MethodBrainSessionDelete       = "brain.session.delete"
	MethodBrainSessionTitleRefresh = "brain.session.title.refresh"

	MethodBrainStepExecute = "brain.step.execute"
	MethodBrainStepStream  = "brain.step.stream"

	MethodBrainDebugConfig  = "brain.debug.config"
	MethodBrainDebugDump    = "brain.debug.dump"
	MethodBrainDebugPlugins = "brain.debug.plugins"

	MethodBrainPluginRegister   = "brain.plugin.register"
	MethodBrainPluginEnable     = "brain.plugin.enable"
	MethodBrainPluginDisable    = "brain.plugin.disable"
	MethodBrainPluginUnregister = "brain.plugin.unregister"
)

// Bridge WebSocket frame type discriminators (see internal/bridge).
const (
	BridgeFrameInvoke = "invoke"
	BridgeFrameEvent  = "event"
)

// Bridge event names carried in {type:"event", event, ...} frames.
const (
	BridgeEventInvokeStarted  = "invoke.started"
	BridgeEventInvokeStderr   = "invoke.stderr"
	BridgeEventInvokeFinished = "invoke.finished"
	BridgeEventBridgeStatus   = "bridge.status"
)

// CDP facade method names.
const (
	MethodLeaseAcquire  = "lease.acquire"
	MethodLeaseHeartbeat = "lease.heartbeat"
	MethodLeaseRelease  = "lease.release"

	MethodCdpObserve  = "cdp.observe"
	MethodCdpSnapshot = "cdp.snapshot"
	MethodCdpAction   = "cdp.action"
	MethodCdpVerify   = "cdp.verify"
)

// Kernel trace/event names emitted on the event bus.
const (
	EventAutoRetryStart     = "auto_retry_start"
	EventAutoCompactionStart = "auto_compaction_start"
	EventAutoCompactionEnd   = "auto_compaction_end"
	EventSessionCompact      = "session_compact"
	EventLoopDone            = "loop_done"

	EventLLMRequest        = "llm.request"
	EventLLMBeforeRequest  = "llm.before_request"
	EventLLMAfterResponse  = "llm.after_response"
	EventLLMRouteSelected  = "llm.route.selected"
	EventLLMRouteBlocked   = "llm.route.blocked"
	EventLLMRouteEscalated = "llm.route.escalated"

	EventToolBeforeCall  = "tool.before_call"
	EventToolAfterResult = "tool.after_result"

	EventCompactionCheckBefore = "compaction.check.before"
	EventCompactionSummary     = "compaction.summary"
	EventAgentEndAfter         = "agent_end.after"
)
