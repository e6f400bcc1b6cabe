package tracing

// Span attribute keys used across the scheduler.
const (
	// Task attributes
	AttrTaskID       = "task.id"
	AttrScenarioID   = "scenario.id"
	AttrScenarioName = "scenario.name"
	AttrUsername     = "task.username"

	// Step attributes
	AttrRoutingKey = "step.routing_key"
	AttrRequestID  = "request.id"

	// Worker attributes
	AttrWorkerInstance = "worker.instance"
	AttrWorkerPID      = "worker.pid"

	// Cancellation attributes
	AttrCloseID   = "close.id"
	AttrTerminate = "close.terminate"

	// Lock attributes
	AttrLockID = "lock.id"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTask   = "task."
	SpanPrefixStep   = "step."
	SpanPrefixRPC    = "rpc."
	SpanPrefixWorker = "worker."
	SpanPrefixLock   = "editlock."
)

// Event names for span events.
const (
	EventTaskAccepted   = "task.accepted"
	EventStepReply      = "step.reply"
	EventStepTimeout    = "step.timeout"
	EventCloseRequested = "close.requested"
	EventCloseEscalated = "close.escalated"
	EventTearDown       = "close.tear_down"
	EventLockAcquired   = "lock.acquired"
	EventLockReleased   = "lock.released"
	EventWorkerRestart  = "worker.restarted"
)
