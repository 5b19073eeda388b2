package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// CommandTransformer is a dataflow Transformer that unmarshals and validates a
// raw message payload into a Command.
//
// Malformed or incomplete commands return skip=true so the StreamingService
// can handle the Nack/DLQ logic; retrying them can never succeed.
func CommandTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*Command, bool, error) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal command from message %s: %w", msg.ID, err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, true, fmt.Errorf("rejected command from message %s: %w", msg.ID, err)
	}
	return &cmd, false, nil
}
