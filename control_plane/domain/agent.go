package domain

import (
	"slices"
	"strings"
)

// AgentStatus is the status of an agent as shown to operators.
type AgentStatus string

const (
	AgentPending     AgentStatus = "Pending"
	AgentMissing     AgentStatus = "Missing"
	AgentLostContact AgentStatus = "LostContact"
	AgentIdle        AgentStatus = "Idle"
	AgentBuilding    AgentStatus = "Building"
	AgentCancelled   AgentStatus = "Cancelled"
	AgentDisabled    AgentStatus = "Disabled"
)

// AgentConfigState is the registration state an operator controls.
type AgentConfigState string

const (
	AgentConfigPending  AgentConfigState = "Pending"
	AgentConfigEnabled  AgentConfigState = "Enabled"
	AgentConfigDisabled AgentConfigState = "Disabled"
)

// AgentIdentity identifies one physical agent process. Everything except
// Cookie is fixed at first contact; the cookie is issued by the server.
type AgentIdentity struct {
	UUID      string `json:"uuid"`
	Hostname  string `json:"hostName"`
	IPAddress string `json:"ipAddress"`
	Location  string `json:"location,omitempty"`
	Cookie    string `json:"cookie,omitempty"`
}

// AgentRuntimeInfo is the snapshot an agent sends on every ping.
type AgentRuntimeInfo struct {
	Identity             AgentIdentity  `json:"identifier"`
	Status               AgentStatus    `json:"runtimeStatus"`
	UsableSpace          int64          `json:"usableSpace"`
	OperatingSystem      string         `json:"operatingSystemName"`
	AgentLauncherVersion string         `json:"agentLauncherVersion,omitempty"`
	ElasticAgentID       string         `json:"elasticAgentId,omitempty"`
	ElasticPluginID      string         `json:"elasticPluginId,omitempty"`
	BuildingInfo         *JobIdentifier `json:"buildingInfo,omitempty"`
}

// UUID is a shorthand for Identity.UUID.
func (i AgentRuntimeInfo) UUID() string {
	return i.Identity.UUID
}

// HasCookie reports whether the agent presented a cookie.
func (i AgentRuntimeInfo) HasCookie() bool {
	return i.Identity.Cookie != ""
}

// HasDuplicateCookie reports whether a cookie stored for this UUID belongs to
// a different physical agent. An empty stored cookie is never a duplicate.
func (i AgentRuntimeInfo) HasDuplicateCookie(stored string) bool {
	return stored != "" && stored != i.Identity.Cookie
}

// DebugString is used in log lines and error messages.
func (i AgentRuntimeInfo) DebugString() string {
	return i.Identity.Hostname + " [" + i.Identity.IPAddress + ", " + i.Identity.UUID + "]"
}

// AgentConfig is the persisted registration record of an agent.
type AgentConfig struct {
	UUID      string           `json:"uuid" db:"uuid"`
	Hostname  string           `json:"hostname" db:"hostname"`
	IPAddress string           `json:"ip_address" db:"ip_address"`
	Resources []string         `json:"resources" db:"-"`
	State     AgentConfigState `json:"state" db:"state"`
}

// HasAllResources reports whether the agent carries every resource in required.
// Resource names are compared case-insensitively.
func (c AgentConfig) HasAllResources(required []string) bool {
	for _, r := range required {
		if !slices.ContainsFunc(c.Resources, func(have string) bool {
			return strings.EqualFold(have, r)
		}) {
			return false
		}
	}
	return true
}
