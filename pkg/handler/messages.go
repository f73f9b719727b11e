package handler

import (
	"encoding/json"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// Event type strings recognized on the wire
const (
	EventSessionInit = "SESSION_INIT"
	EventMaaSRequest = "NWM_MAAS_REQUEST"
	EventUpdate      = "UPDATE"
	EventJobControl  = "JOB_CONTROL"
	EventJobInfo     = "JOB_INFO"
	EventJobList     = "JOB_LIST"
)

// Response reason strings
const (
	ReasonSuccess        = "Success"
	ReasonInvalidRequest = "Invalid request"
	ReasonUnauthorized   = "Unauthorized"
	ReasonUnknownSecret  = "UNRECOGNIZED_SESSION_SECRET"
	ReasonRejected       = "REJECTED"
	ReasonNotFound       = "NOT_FOUND"
	ReasonTimeout        = "TIMEOUT"
	ReasonSessionFail    = "SESSION_MANAGER_FAIL"
	ReasonInvalidMessage = "INVALID_MESSAGE"
)

// Response is the common reply shape for every event
type Response struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// envelope carries only the event tag, the first thing checked on
// every inbound message.
type envelope struct {
	Event string `json:"event"`
}

// sessionInitMessage authenticates a user and opens a session
type sessionInitMessage struct {
	Event    string `json:"event"`
	Username string `json:"username"`
	Secret   string `json:"user_secret"`
}

func (m *sessionInitMessage) valid() bool {
	return m.Username != "" && m.Secret != ""
}

// modelBlock is the per-model body of a job submit payload
type modelBlock struct {
	Version      float64                    `json:"version"`
	Domain       string                     `json:"domain,omitempty"`
	Output       string                     `json:"output"`
	Parameters   map[string]types.Parameter `json:"parameters"`
	CPUs         int                        `json:"cpus"`
	Memory       int64                      `json:"memory"`
	Policy       types.AllocationPolicy     `json:"allocation_policy,omitempty"`
	ConfigDataID string                     `json:"config_data_id,omitempty"`
}

// maasRequestMessage is the job submit payload. The event tag is
// optional for backwards compatibility; the model map and session
// secret identify the shape.
type maasRequestMessage struct {
	Event         string                `json:"event,omitempty"`
	Model         map[string]modelBlock `json:"model"`
	SessionSecret string                `json:"session-secret"`
}

func (m *maasRequestMessage) valid() bool {
	return len(m.Model) == 1 && m.SessionSecret != ""
}

// toSchedulerRequest flattens the single-entry model map into the
// scheduler's request shape.
func (m *maasRequestMessage) toSchedulerRequest() *types.SchedulerRequest {
	for name, block := range m.Model {
		return &types.SchedulerRequest{
			Model:         name,
			Version:       block.Version,
			Output:        block.Output,
			Parameters:    block.Parameters,
			Domain:        block.Domain,
			CPUs:          block.CPUs,
			Memory:        block.Memory,
			Policy:        block.Policy,
			ConfigDataID:  block.ConfigDataID,
			SessionSecret: m.SessionSecret,
		}
	}
	return nil
}

// updateMessage mutates permitted fields of an active job. The same
// shape, server-originated, carries streamed status changes.
type updateMessage struct {
	Event       string            `json:"event"`
	ObjectType  string            `json:"object_type"`
	ObjectID    string            `json:"object_id"`
	UpdatedData map[string]string `json:"updated_data"`
	Digest      string            `json:"digest,omitempty"`
}

func (m *updateMessage) valid() bool {
	return m.ObjectType == "Job" && m.ObjectID != "" && len(m.UpdatedData) > 0
}

// updateAck acknowledges a streamed update
type updateAck struct {
	Digest      string `json:"digest"`
	ObjectFound bool   `json:"object_found"`
	Success     bool   `json:"success"`
}

// Job control commands
const (
	ControlStop    = "STOP"
	ControlRelease = "RELEASE"
	ControlRestart = "RESTART"
)

type jobControlMessage struct {
	Event         string `json:"event"`
	SessionSecret string `json:"session-secret"`
	JobID         string `json:"job_id"`
	Command       string `json:"command"`
}

func (m *jobControlMessage) valid() bool {
	switch m.Command {
	case ControlStop, ControlRelease, ControlRestart:
		return m.JobID != ""
	}
	return false
}

type jobInfoMessage struct {
	Event         string `json:"event"`
	SessionSecret string `json:"session-secret"`
	JobID         string `json:"job_id"`
	StatusOnly    bool   `json:"status_only"`
}

func (m *jobInfoMessage) valid() bool { return m.JobID != "" }

type jobListMessage struct {
	Event         string `json:"event"`
	SessionSecret string `json:"session-secret"`
	OnlyActive    bool   `json:"only_active"`
	OnlyMine      bool   `json:"only_mine"`
}

// parsedMessage is the outcome of typing one inbound payload
type parsedMessage struct {
	event       string
	sessionInit *sessionInitMessage
	submit      *maasRequestMessage
	update      *updateMessage
	control     *jobControlMessage
	info        *jobInfoMessage
	list        *jobListMessage
	ack         *updateAck
}

// parseMessage types a payload. Tagged events dispatch on the tag;
// untagged payloads are tried as a job submit and then as an update
// acknowledgement, in that order.
func parseMessage(payload []byte) (*parsedMessage, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false
	}

	switch env.Event {
	case EventSessionInit:
		var m sessionInitMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: env.Event, sessionInit: &m}, true
		}
	case EventMaaSRequest:
		var m maasRequestMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: env.Event, submit: &m}, true
		}
	case EventUpdate:
		var m updateMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: env.Event, update: &m}, true
		}
	case EventJobControl:
		var m jobControlMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: env.Event, control: &m}, true
		}
	case EventJobInfo:
		var m jobInfoMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: env.Event, info: &m}, true
		}
	case EventJobList:
		var m jobListMessage
		if json.Unmarshal(payload, &m) == nil {
			return &parsedMessage{event: env.Event, list: &m}, true
		}
	case "":
		var m maasRequestMessage
		if json.Unmarshal(payload, &m) == nil && m.valid() {
			return &parsedMessage{event: EventMaaSRequest, submit: &m}, true
		}
		var ack updateAck
		if json.Unmarshal(payload, &ack) == nil && ack.Digest != "" {
			return &parsedMessage{event: EventUpdate, ack: &ack}, true
		}
	}
	return nil, false
}
