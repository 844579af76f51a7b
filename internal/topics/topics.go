// Package topics owns the bridge topic contract. All topics live under
// {base}/{version}/instances/{instanceId}/ and every topic string in the
// engine is produced by a Builder method; nothing else concatenates topics.
package topics

import (
	"fmt"
	"strings"
)

// Kind identifies what an inbound topic addresses. It is a closed set so
// dispatch code can switch over it exhaustively.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCommand is a per-device command: devices/{id}/cmd
	KindCommand
	// KindGet is a per-device state request: devices/{id}/get
	KindGet
	// KindCommandResponse is a correlated command response: devices/{id}/cmd/response
	KindCommandResponse
	// KindGroupCommand is a fan-out command: groups/{id}/cmd
	KindGroupCommand
	// KindMetaRequest is a bridge metadata request: meta/request/{type}
	KindMetaRequest
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "cmd"
	case KindGet:
		return "get"
	case KindCommandResponse:
		return "cmd_response"
	case KindGroupCommand:
		return "group_cmd"
	case KindMetaRequest:
		return "meta_request"
	default:
		return "unknown"
	}
}

// Inbound is the parsed form of an inbound topic.
type Inbound struct {
	Kind     Kind
	DeviceID string // set for KindCommand, KindGet, KindCommandResponse
	GroupID  string // set for KindGroupCommand
	MetaType string // set for KindMetaRequest
}

// Builder constructs topics for one bridge instance.
//
// Example:
//
//	tb := topics.NewBuilder("bridge", "v1", "hall-1")
//	tb.DeviceState("light1") // "bridge/v1/instances/hall-1/devices/light1/state"
type Builder struct {
	prefix string
}

// NewBuilder creates a Builder rooted at {base}/{version}/instances/{instanceID}
func NewBuilder(base, version, instanceID string) Builder {
	return Builder{
		prefix: fmt.Sprintf("%s/%s/instances/%s", base, version, instanceID),
	}
}

// Prefix returns the instance topic prefix
func (b Builder) Prefix() string {
	return b.prefix
}

// Status returns the instance online/offline status topic
func (b Builder) Status() string {
	return b.prefix + "/status"
}

// DeviceState returns the canonical full-state topic for a device
func (b Builder) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/state", b.prefix, deviceID)
}

// DeviceStateProperty returns the single-property mirror topic
func (b Builder) DeviceStateProperty(deviceID, property string) string {
	return fmt.Sprintf("%s/devices/%s/state/%s", b.prefix, deviceID, property)
}

// DeviceCommand returns the inbound command topic for a device
func (b Builder) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/cmd", b.prefix, deviceID)
}

// DeviceGet returns the inbound state-request topic for a device
func (b Builder) DeviceGet(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/get", b.prefix, deviceID)
}

// CommandResponse returns the command acknowledgement topic for a device
func (b Builder) CommandResponse(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/cmd/response", b.prefix, deviceID)
}

// DeviceError returns the error notification topic for a device
func (b Builder) DeviceError(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/error", b.prefix, deviceID)
}

// DeviceEvents returns the transient event topic for a device
func (b Builder) DeviceEvents(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/events", b.prefix, deviceID)
}

// GroupCommand returns the fan-out command topic for a group
func (b Builder) GroupCommand(groupID string) string {
	return fmt.Sprintf("%s/groups/%s/cmd", b.prefix, groupID)
}

// MetaRequest returns the inbound metadata request topic
func (b Builder) MetaRequest(requestType string) string {
	return fmt.Sprintf("%s/meta/request/%s", b.prefix, requestType)
}

// Meta returns the retained metadata response topic
func (b Builder) Meta(requestType string) string {
	return fmt.Sprintf("%s/meta/%s", b.prefix, requestType)
}

// Subscription patterns for the inbound side of the contract.

// CommandPattern matches every per-device command topic
func (b Builder) CommandPattern() string {
	return b.prefix + "/devices/+/cmd"
}

// GetPattern matches every per-device state-request topic
func (b Builder) GetPattern() string {
	return b.prefix + "/devices/+/get"
}

// CommandResponsePattern matches every command response topic
func (b Builder) CommandResponsePattern() string {
	return b.prefix + "/devices/+/cmd/response"
}

// GroupCommandPattern matches every group command topic
func (b Builder) GroupCommandPattern() string {
	return b.prefix + "/groups/+/cmd"
}

// MetaRequestPattern matches every metadata request topic
func (b Builder) MetaRequestPattern() string {
	return b.prefix + "/meta/request/#"
}

// Parse classifies an inbound topic against the contract. The second return
// is false when the topic is outside this instance's namespace or does not
// match any inbound suffix.
func (b Builder) Parse(topic string) (Inbound, bool) {
	rel, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return Inbound{}, false
	}

	segments := strings.Split(rel, "/")
	switch {
	case len(segments) == 3 && segments[0] == "devices" && segments[2] == "cmd":
		return Inbound{Kind: KindCommand, DeviceID: segments[1]}, true
	case len(segments) == 3 && segments[0] == "devices" && segments[2] == "get":
		return Inbound{Kind: KindGet, DeviceID: segments[1]}, true
	case len(segments) == 4 && segments[0] == "devices" && segments[2] == "cmd" && segments[3] == "response":
		return Inbound{Kind: KindCommandResponse, DeviceID: segments[1]}, true
	case len(segments) == 3 && segments[0] == "groups" && segments[2] == "cmd":
		return Inbound{Kind: KindGroupCommand, GroupID: segments[1]}, true
	case len(segments) >= 3 && segments[0] == "meta" && segments[1] == "request":
		return Inbound{Kind: KindMetaRequest, MetaType: strings.Join(segments[2:], "/")}, true
	default:
		return Inbound{}, false
	}
}
