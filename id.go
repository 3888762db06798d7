package weft

import (
	"time"

	"github.com/google/uuid"
)

// Record ids carry a type prefix so they are recognizable in logs, URLs, and
// on disk. The UUID part is a globally unique, time-sortable UUIDv7 (RFC 9562).
const (
	threadIDPrefix  = "thread_"
	messageIDPrefix = "msg_"
	runIDPrefix     = "run_"
)

// NewThreadID generates a fresh thread id ("thread_<uuidv7>").
func NewThreadID() string {
	return threadIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// NewMessageID generates a fresh message id ("msg_<uuidv7>").
func NewMessageID() string {
	return messageIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// NewRunID generates a fresh run id ("run_<uuidv7>").
func NewRunID() string {
	return runIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds. All record timestamps
// (created_at, started_at, completed_at, ...) use this resolution.
func NowUnix() int64 {
	return time.Now().Unix()
}
