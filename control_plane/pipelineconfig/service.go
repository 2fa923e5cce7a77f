package pipelineconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// Source produces a fresh configuration.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// FileSource reads the configuration from a YAML file. A missing file is an
// empty configuration.
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) (*Config, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: read %s: %w", f.Path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return cfg, nil
}

// Lookup is the read side used by the rest of the server.
type Lookup interface {
	CurrentConfig() *Config
	FindGroupByPipeline(name string) (*Group, bool)
	FindPipeline(name string) (*Pipeline, bool)
	PermissionsForGroup(group string) *domain.Permissions
}

// ConfigChanged is published after a reload. Pipeline is empty when the set
// of pipelines or groups changed and everything must be rebuilt.
type ConfigChanged struct {
	Config   *Config
	Pipeline string
}

func (e ConfigChanged) IsFull() bool {
	return e.Pipeline == ""
}

// Service holds the current configuration. The config is never mutated after
// it is swapped in.
type Service struct {
	source  Source
	changes *streaming.Bus[ConfigChanged]
	log     *logger.Logger

	reloadMu sync.Mutex
	current  atomic.Pointer[Config]
}

func NewService(source Source, changes *streaming.Bus[ConfigChanged], log *logger.Logger) *Service {
	s := &Service{
		source:  source,
		changes: changes,
		log:     log.WithFields(zap.String("component", "pipeline-config")),
	}
	s.current.Store(&Config{})
	return s
}

func (s *Service) CurrentConfig() *Config {
	return s.current.Load()
}

func (s *Service) FindPipeline(name string) (*Pipeline, bool) {
	p, _, ok := s.CurrentConfig().FindPipeline(name)
	return p, ok
}

func (s *Service) FindGroupByPipeline(name string) (*Group, bool) {
	_, g, ok := s.CurrentConfig().FindPipeline(name)
	return g, ok
}

// PermissionsForGroup returns nil when the group has no permissions block.
func (s *Service) PermissionsForGroup(group string) *domain.Permissions {
	for _, g := range s.CurrentConfig().Groups {
		if strings.EqualFold(g.Name, group) {
			return g.Permissions
		}
	}
	return nil
}

// Reload loads the configuration and publishes what changed. A failed load
// keeps the current configuration.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := s.source.Load(ctx)
	if err != nil {
		s.log.Error("config reload failed, keeping current config", zap.Error(err))
		return err
	}
	prev := s.current.Swap(next)

	full, changed := diff(prev, next)
	switch {
	case full:
		s.log.Info("pipeline set changed", zap.Int("pipelines", len(next.Pipelines())))
		s.changes.Publish(ctx, ConfigChanged{Config: next})
	case len(changed) > 0:
		for _, name := range changed {
			s.log.Info("pipeline config changed", zap.String("pipeline", name))
			s.changes.Publish(ctx, ConfigChanged{Config: next, Pipeline: name})
		}
	default:
		s.log.Debug("config unchanged")
	}
	return nil
}

// diff reports whether the group layout changed and, if not, which
// pipelines were edited.
func diff(prev, next *Config) (bool, []string) {
	if len(prev.Groups) != len(next.Groups) {
		return true, nil
	}
	for i := range prev.Groups {
		pg, ng := prev.Groups[i], next.Groups[i]
		if !strings.EqualFold(pg.Name, ng.Name) || !reflect.DeepEqual(pg.Permissions, ng.Permissions) ||
			len(pg.Pipelines) != len(ng.Pipelines) {
			return true, nil
		}
		for j := range pg.Pipelines {
			if !strings.EqualFold(pg.Pipelines[j].Name, ng.Pipelines[j].Name) {
				return true, nil
			}
		}
	}

	var changed []string
	for gi := range next.Groups {
		for pi, p := range next.Groups[gi].Pipelines {
			if !reflect.DeepEqual(prev.Groups[gi].Pipelines[pi], p) {
				changed = append(changed, p.Name)
			}
		}
	}
	return false, changed
}
