package remoting

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// Protocol method names carried in Envelope.Method.
const (
	MethodPing                = "ping"
	MethodGetWork             = "getWork"
	MethodReportCurrentStatus = "reportCurrentStatus"
	MethodReportCompleting    = "reportCompleting"
	MethodReportCompleted     = "reportCompleted"
	MethodIsIgnored           = "isIgnored"
	MethodGetCookie           = "getCookie"
)

// Envelope is the body of every POST /remoting/agent call.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type PingParams struct {
	RuntimeInfo domain.AgentRuntimeInfo `json:"runtimeInfo"`
}

type GetWorkParams struct {
	RuntimeInfo domain.AgentRuntimeInfo `json:"runtimeInfo"`
}

type ReportStatusParams struct {
	RuntimeInfo domain.AgentRuntimeInfo `json:"runtimeInfo"`
	Job         domain.JobIdentifier    `json:"jobIdentifier"`
	State       domain.JobState         `json:"jobState"`
}

// ReportResultParams is used by both reportCompleting and reportCompleted.
type ReportResultParams struct {
	RuntimeInfo domain.AgentRuntimeInfo `json:"runtimeInfo"`
	Job         domain.JobIdentifier    `json:"jobIdentifier"`
	Result      domain.JobResult        `json:"result"`
}

type IsIgnoredParams struct {
	Job domain.JobIdentifier `json:"jobIdentifier"`
}

type GetCookieParams struct {
	Identity domain.AgentIdentity `json:"identifier"`
	Location string               `json:"location"`
}

type PingResponse struct {
	Instruction domain.Instruction `json:"instruction"`
}

type IsIgnoredResponse struct {
	Ignored bool `json:"ignored"`
}

type GetCookieResponse struct {
	Cookie string `json:"cookie"`
}

// RegisterRequest is the body of POST /agent/register.
type RegisterRequest struct {
	Identity  domain.AgentIdentity `json:"identity"`
	Resources []string             `json:"resources"`
}

type RegisterResponse struct {
	Token string             `json:"token"`
	Agent domain.AgentConfig `json:"agent"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// DecodeStrict decodes data into v and rejects unknown fields and trailing
// data.
func DecodeStrict(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidRequest)
	}
	return nil
}
