package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// Permissions lists who may see and operate the pipelines of a group.
type Permissions struct {
	Viewers   []string `json:"viewers,omitempty" yaml:"viewers"`
	Operators []string `json:"operators,omitempty" yaml:"operators"`
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

// CanView reports whether user may see pipelines under these permissions.
// Operators can always view. A nil Permissions lets nobody in.
func (p *Permissions) CanView(user string) bool {
	if p == nil || user == "" {
		return false
	}
	return containsFold(p.Viewers, user) || containsFold(p.Operators, user) || containsFold(p.Viewers, "*")
}

// CanOperate reports whether user may trigger or cancel.
func (p *Permissions) CanOperate(user string) bool {
	if p == nil || user == "" {
		return false
	}
	return containsFold(p.Operators, user) || containsFold(p.Operators, "*")
}

// StageModel is one stage column of a dashboard entry.
type StageModel struct {
	Name    string     `json:"name"`
	Counter int        `json:"counter"`
	State   StageState `json:"state"`
	Result  JobResult  `json:"result"`
}

// PipelineModel is the presentation model of a pipeline's latest run.
type PipelineModel struct {
	Name    string       `json:"name"`
	Counter int          `json:"counter"`
	Stages  []StageModel `json:"stages"`
}

// DashboardPipeline is one immutable dashboard entry.
type DashboardPipeline struct {
	Name        string        `json:"name"`
	GroupName   string        `json:"group"`
	Permissions *Permissions  `json:"-"`
	Model       PipelineModel `json:"model"`
	Fingerprint string        `json:"fingerprint"`
}

// NewDashboardPipeline builds an entry and computes its fingerprint from
// everything that is part of the projection.
func NewDashboardPipeline(name, group string, perms *Permissions, model PipelineModel) *DashboardPipeline {
	p := &DashboardPipeline{
		Name:        name,
		GroupName:   group,
		Permissions: perms,
		Model:       model,
	}
	p.Fingerprint = fingerprint(p)
	return p
}

func fingerprint(p *DashboardPipeline) string {
	// json.Marshal never fails on these types.
	payload, _ := json.Marshal(struct {
		Name        string        `json:"name"`
		Group       string        `json:"group"`
		Permissions *Permissions  `json:"permissions"`
		Model       PipelineModel `json:"model"`
	}{p.Name, p.GroupName, p.Permissions, p.Model})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CanBeViewedBy applies the group permissions. Admins see everything.
func (p *DashboardPipeline) CanBeViewedBy(user string, admin bool) bool {
	if admin {
		return true
	}
	return p.Permissions.CanView(user)
}
