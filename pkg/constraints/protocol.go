package constraints

// Message header names shared by the publisher and the inbound consumer.
const (
	HeaderKey       = "key"
	HeaderEventType = "eventType"
	HeaderTraceID   = "X-Trace-Id"
	HeaderSpanID    = "X-Span-Id"
)

const (
	EventTransactionAuthorized = "transaction.authorized"
	EventHoldCreated           = "hold.created"
)

// Outbox lifecycle. PUBLISHED and FAILED are terminal.
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxFailed    = "FAILED"
)

// Processed-event outcomes. PROCESSING marks a claimed event whose side
// effect has not reported back yet.
const (
	ProcessedProcessing = "PROCESSING"
	ProcessedSuccess    = "SUCCESS"
	ProcessedFailed     = "FAILED"
)
