package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type routesFile struct {
	Routes []*Route `yaml:"routes"`
}

// StaticStore serves routes from memory, optionally loaded from a YAML file:
//
//	routes:
//	  - channel_id: "123456789"
//	    host_id: "host-uuid"
//	    welcome_enabled: true
type StaticStore struct {
	mu     sync.RWMutex
	routes map[string]*Route
	def    *Route
}

// NewStaticStore builds a store with def as the fallback route. def may be nil.
func NewStaticStore(def *Route, routes ...*Route) *StaticStore {
	s := &StaticStore{routes: make(map[string]*Route, len(routes)), def: def}
	for _, r := range routes {
		s.routes[r.ChannelID] = r
	}
	return s
}

// LoadStaticFile reads a routes file. An empty path yields a store with only
// the default route.
func LoadStaticFile(path string, def *Route) (*StaticStore, error) {
	if path == "" {
		return NewStaticStore(def), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	return ParseStatic(data, def)
}

// ParseStatic decodes YAML route definitions.
func ParseStatic(data []byte, def *Route) (*StaticStore, error) {
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	for i, r := range f.Routes {
		if r == nil || r.ChannelID == "" || r.HostID == "" {
			return nil, fmt.Errorf("route %d: channel_id and host_id are required", i)
		}
	}
	return NewStaticStore(def, f.Routes...), nil
}

func (s *StaticStore) Resolve(ctx context.Context, channelID string) (*Route, error) {
	r, err := s.Get(ctx, channelID)
	if errors.Is(err, ErrRouteNotFound) {
		return fallback(s.def, channelID)
	}
	return r, err
}

func (s *StaticStore) Get(_ context.Context, channelID string) (*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[channelID]
	if !ok {
		return nil, ErrRouteNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *StaticStore) List(context.Context) ([]*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Route, 0, len(s.routes))
	for _, r := range s.routes {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Upsert replaces the route in memory only; the routes file is not rewritten.
func (s *StaticStore) Upsert(_ context.Context, r *Route) error {
	if r.ChannelID == "" || r.HostID == "" {
		return errors.New("channel_id and host_id are required")
	}
	cp := *r
	s.mu.Lock()
	s.routes[r.ChannelID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *StaticStore) Close() {}
