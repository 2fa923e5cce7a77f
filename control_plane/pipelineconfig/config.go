// Package pipelineconfig loads pipeline definitions and publishes changes to
// them.
package pipelineconfig

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// Config is the whole pipeline configuration. Names are case-insensitive.
type Config struct {
	Groups []Group `yaml:"groups"`
}

type Group struct {
	Name        string              `yaml:"name"`
	Permissions *domain.Permissions `yaml:"permissions"`
	Pipelines   []Pipeline          `yaml:"pipelines"`
}

type Pipeline struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

type Stage struct {
	Name string `yaml:"name"`
	Jobs []Job  `yaml:"jobs"`
}

type Job struct {
	Name           string   `yaml:"name"`
	Resources      []string `yaml:"resources"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutMinutes *int     `yaml:"timeout_minutes"`
}

// Plan is what the agent receives for this job.
func (j Job) Plan() domain.JobPlan {
	return domain.JobPlan{
		Resources:      append([]string(nil), j.Resources...),
		Command:        j.Command,
		Args:           append([]string(nil), j.Args...),
		TimeoutMinutes: j.TimeoutMinutes,
	}
}

// Stage returns the stage called name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if strings.EqualFold(p.Stages[i].Name, name) {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// NextStage returns the stage configured after name.
func (p *Pipeline) NextStage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if strings.EqualFold(p.Stages[i].Name, name) && i+1 < len(p.Stages) {
			return &p.Stages[i+1], true
		}
	}
	return nil, false
}

// FindPipeline returns the pipeline and the group that holds it.
func (c *Config) FindPipeline(name string) (*Pipeline, *Group, bool) {
	if c == nil {
		return nil, nil, false
	}
	for gi := range c.Groups {
		g := &c.Groups[gi]
		for pi := range g.Pipelines {
			if strings.EqualFold(g.Pipelines[pi].Name, name) {
				return &g.Pipelines[pi], g, true
			}
		}
	}
	return nil, nil, false
}

// Pipelines lists every pipeline in config order.
func (c *Config) Pipelines() []*Pipeline {
	if c == nil {
		return nil
	}
	var out []*Pipeline
	for gi := range c.Groups {
		for pi := range c.Groups[gi].Pipelines {
			out = append(out, &c.Groups[gi].Pipelines[pi])
		}
	}
	return out
}

// Parse decodes and validates a YAML configuration. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("pipelineconfig: decode: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []string
	groups := map[string]bool{}
	pipelines := map[string]bool{}

	for _, g := range c.Groups {
		key := strings.ToLower(g.Name)
		if key == "" {
			errs = append(errs, "group name is required")
		} else if groups[key] {
			errs = append(errs, fmt.Sprintf("duplicate group %q", g.Name))
		}
		groups[key] = true

		for _, p := range g.Pipelines {
			pkey := strings.ToLower(p.Name)
			if pkey == "" {
				errs = append(errs, fmt.Sprintf("group %q: pipeline name is required", g.Name))
				continue
			}
			if pipelines[pkey] {
				errs = append(errs, fmt.Sprintf("duplicate pipeline %q", p.Name))
			}
			pipelines[pkey] = true
			errs = append(errs, p.validate()...)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("pipelineconfig: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *Pipeline) validate() []string {
	var errs []string
	if len(p.Stages) == 0 {
		errs = append(errs, fmt.Sprintf("pipeline %q has no stages", p.Name))
	}
	stages := map[string]bool{}
	for _, s := range p.Stages {
		skey := strings.ToLower(s.Name)
		if skey == "" || stages[skey] {
			errs = append(errs, fmt.Sprintf("pipeline %q: stage names must be unique and non-empty", p.Name))
		}
		stages[skey] = true
		if len(s.Jobs) == 0 {
			errs = append(errs, fmt.Sprintf("stage %s/%s has no jobs", p.Name, s.Name))
		}
		jobs := map[string]bool{}
		for _, j := range s.Jobs {
			jkey := strings.ToLower(j.Name)
			if jkey == "" || jobs[jkey] {
				errs = append(errs, fmt.Sprintf("stage %s/%s: job names must be unique and non-empty", p.Name, s.Name))
			}
			jobs[jkey] = true
			if j.Command == "" {
				errs = append(errs, fmt.Sprintf("job %s/%s/%s has no command", p.Name, s.Name, j.Name))
			}
			if j.TimeoutMinutes != nil && *j.TimeoutMinutes < 0 {
				errs = append(errs, fmt.Sprintf("job %s/%s/%s: timeout_minutes must not be negative", p.Name, s.Name, j.Name))
			}
		}
	}
	return errs
}
