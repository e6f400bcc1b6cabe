package wire

import (
	"encoding/json"
	"fmt"
)

// Reply is a worker's report on a request, correlated back to the caller
// through RequestID. A request produces zero or more in-progress replies
// followed by exactly one terminal reply.
type Reply struct {
	RequestID string      `json:"request_id"`
	Status    ReplyStatus `json:"status"`
	Progress  float64     `json:"progress"`
	Message   string      `json:"message"`
}

// ProgressReply reports partial completion, progress in percent.
func ProgressReply(requestID string, progress float64, message string) Reply {
	return Reply{RequestID: requestID, Status: StatusInProgress, Progress: progress, Message: message}
}

// CompletedReply ends a request successfully.
func CompletedReply(requestID, message string) Reply {
	return Reply{RequestID: requestID, Status: StatusCompleted, Progress: 100, Message: message}
}

// FailedReply ends a request with an error.
func FailedReply(requestID, message string) Reply {
	return Reply{RequestID: requestID, Status: StatusFailed, Message: message}
}

// TimeoutReply is synthesized by the scheduler when a worker stops
// reporting; no worker ever sends it.
func TimeoutReply(requestID string) Reply {
	return Reply{RequestID: requestID, Status: StatusTimeout, Message: "request timed out"}
}

// ConsumerNotFoundReply is synthesized when a request targets a routing key
// no worker serves.
func ConsumerNotFoundReply(requestID string) Reply {
	return Reply{RequestID: requestID, Status: StatusConsumerNotFound, Message: "consumer not found"}
}

// Encode serializes the reply for publishing.
func (r Reply) Encode() ([]byte, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("reply has no request id")
	}
	return json.Marshal(r)
}

// DecodeReply validates and parses a reply payload.
func DecodeReply(data []byte) (Reply, error) {
	if err := validate(replySchema, data); err != nil {
		return Reply{}, fmt.Errorf("reply: %w", err)
	}
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("reply: %w", err)
	}
	return r, nil
}
