// Package pipeline turns Pub/Sub commands into registry and push operations.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type CommandKind string

const (
	// KindSend fans a message out to the selected devices.
	KindSend CommandKind = "send"
	// KindSendTopic broadcasts a message to a topic.
	KindSendTopic   CommandKind = "send_topic"
	KindSubscribe   CommandKind = "subscribe"
	KindUnsubscribe CommandKind = "unsubscribe"
	// KindUserDeleted removes every device of a deleted account.
	KindUserDeleted CommandKind = "user_deleted"
)

var ErrInvalidCommand = errors.New("invalid command")

// Command is the JSON payload carried by a Pub/Sub message.
//
// Devices are selected by Filter narrowed to UserID, plus Tokens. A command
// that selects nothing is rejected rather than treated as a broadcast; an
// explicit empty filter ({}) selects every active device.
type Command struct {
	Kind    CommandKind            `json:"kind"`
	UserID  string                 `json:"user_id,omitempty"`
	Filter  *dispatch.DeviceFilter `json:"filter,omitempty"`
	Tokens  []string               `json:"tokens,omitempty"`
	Topic   string                 `json:"topic,omitempty"`
	Message *dispatch.Message      `json:"message,omitempty"`
}

// Validate checks the command is complete for its kind and normalizes UserID.
func (c *Command) Validate() error {
	if c.UserID != "" {
		u, err := urn.Parse(c.UserID)
		if err != nil {
			return fmt.Errorf("%w: user_id: %v", ErrInvalidCommand, err)
		}
		c.UserID = u.String()
	}

	switch c.Kind {
	case KindSend:
		if c.Message == nil {
			return fmt.Errorf("%w: send requires a message", ErrInvalidCommand)
		}
		return c.requireSelection()
	case KindSendTopic:
		if c.Message == nil || c.Topic == "" {
			return fmt.Errorf("%w: send_topic requires a message and a topic", ErrInvalidCommand)
		}
	case KindSubscribe, KindUnsubscribe:
		if c.Topic == "" {
			return fmt.Errorf("%w: %s requires a topic", ErrInvalidCommand, c.Kind)
		}
		return c.requireSelection()
	case KindUserDeleted:
		if c.UserID == "" {
			return fmt.Errorf("%w: user_deleted requires user_id", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// DeviceFilter returns the selection the command addresses.
func (c *Command) DeviceFilter() dispatch.DeviceFilter {
	var f dispatch.DeviceFilter
	if c.Filter != nil {
		f = *c.Filter
	}
	if c.UserID != "" {
		f.UserID = c.UserID
	}
	return f
}

func (c *Command) requireSelection() error {
	if c.UserID == "" && c.Filter == nil && len(c.Tokens) == 0 {
		return fmt.Errorf("%w: %s selects no devices", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// hasRegistrySelection reports whether the registry must be queried, as
// opposed to sending only to explicit tokens.
func (c *Command) hasRegistrySelection() bool {
	return c.UserID != "" || c.Filter != nil
}
