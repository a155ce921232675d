package runtime

import (
	"github.com/alecgard/agentrt/internal/metering"
)

// Observer receives call lifecycle events, typically to export metrics.
type Observer interface {
	CallStarted(agent string)
	CallFinished(rec metering.CallRecord)
}

// Archiver receives every finished call record for durable storage. It must
// not block.
type Archiver interface {
	Record(rec metering.CallRecord)
}
