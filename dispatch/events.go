package dispatch

import "github.com/tailored-agentic-units/relay/observability"

// EventBulkProgress is emitted after every ExecuteBulk batch.
const EventBulkProgress observability.EventType = "dispatch.bulk_progress"
