// Package registry maintains the immutable configuration snapshot: typed
// indexes over monitors, groups, status pages and channels, the dependency
// graph, and the hot-reload protocol that swaps snapshots atomically.
package registry

import (
	"sort"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
)

// Snapshot is an immutable view of one configuration document with all
// lookup indexes pre-built. Readers hold a reference for the lifetime of a
// logical operation; a reload never mutates an existing snapshot.
type Snapshot struct {
	cfg *config.Config

	monitorsByID    map[string]*config.MonitorConfig
	monitorsByToken map[string]*config.MonitorConfig
	groupsByID      map[string]*config.GroupConfig
	pagesBySlug     map[string]*config.StatusPageConfig
	channelsByID    map[string]*config.ChannelConfig

	monitorsByGroup map[string][]string // group ID -> member monitor IDs
	groupsByParent  map[string][]string // group ID -> child group IDs
	pagesByEntity   map[string][]string // monitor/group ID -> slugs of pages showing it

	levels          map[string]int
	orderedMonitors []*config.MonitorConfig // sorted by dependency level asc
}

// BuildSnapshot validates the document structurally and constructs all
// indexes. A dependency cycle yields ConfigInvalid.
func BuildSnapshot(cfg *config.Config) (*Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigInvalid, "invalid configuration", err)
	}

	s := &Snapshot{
		cfg:             cfg,
		monitorsByID:    make(map[string]*config.MonitorConfig, len(cfg.Monitors)),
		monitorsByToken: make(map[string]*config.MonitorConfig, len(cfg.Monitors)),
		groupsByID:      make(map[string]*config.GroupConfig, len(cfg.Groups)),
		pagesBySlug:     make(map[string]*config.StatusPageConfig, len(cfg.StatusPages)),
		channelsByID:    make(map[string]*config.ChannelConfig, len(cfg.Channels)),
		monitorsByGroup: make(map[string][]string),
		groupsByParent:  make(map[string][]string),
		pagesByEntity:   make(map[string][]string),
	}

	for i := range cfg.Monitors {
		m := &cfg.Monitors[i]
		s.monitorsByID[m.ID] = m
		s.monitorsByToken[m.Token] = m
		if m.GroupID != "" {
			s.monitorsByGroup[m.GroupID] = append(s.monitorsByGroup[m.GroupID], m.ID)
		}
	}
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		s.groupsByID[g.ID] = g
		if g.ParentID != "" {
			s.groupsByParent[g.ParentID] = append(s.groupsByParent[g.ParentID], g.ID)
		}
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		s.channelsByID[ch.ID] = ch
	}
	for i := range cfg.StatusPages {
		p := &cfg.StatusPages[i]
		s.pagesBySlug[p.Slug] = p
		for _, item := range p.Items {
			for _, entityID := range s.expandEntities(item, nil) {
				s.pagesByEntity[entityID] = append(s.pagesByEntity[entityID], p.Slug)
			}
		}
	}

	if err := s.buildLevels(); err != nil {
		return nil, err
	}

	s.orderedMonitors = make([]*config.MonitorConfig, 0, len(cfg.Monitors))
	for i := range cfg.Monitors {
		s.orderedMonitors = append(s.orderedMonitors, &cfg.Monitors[i])
	}
	sort.SliceStable(s.orderedMonitors, func(i, j int) bool {
		return s.levels[s.orderedMonitors[i].ID] < s.levels[s.orderedMonitors[j].ID]
	})

	return s, nil
}

// expandItem resolves a page item (monitor or group ID) to the monitor IDs
// it covers, descending through nested groups.
func (s *Snapshot) expandItem(item string, seen map[string]bool) []string {
	if _, ok := s.monitorsByID[item]; ok {
		return []string{item}
	}
	if _, ok := s.groupsByID[item]; !ok {
		return nil
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[item] {
		return nil
	}
	seen[item] = true

	var out []string
	out = append(out, s.monitorsByGroup[item]...)
	for _, sub := range s.groupsByParent[item] {
		out = append(out, s.expandItem(sub, seen)...)
	}
	return out
}

// buildLevels assigns each entity level = 1 + max(level of deps), 0 without
// deps, rejecting cycles.
func (s *Snapshot) buildLevels() error {
	deps := make(map[string][]string)
	for i := range s.cfg.Monitors {
		m := &s.cfg.Monitors[i]
		deps[m.ID] = m.Dependencies
	}
	for i := range s.cfg.Groups {
		g := &s.cfg.Groups[i]
		deps[g.ID] = g.Dependencies
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))
	levels := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return apperr.Newf(apperr.KindConfigInvalid, "dependency cycle involving %q", id)
		}
		state[id] = visiting

		level := 0
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
			if levels[dep]+1 > level {
				level = levels[dep] + 1
			}
		}
		levels[id] = level
		state[id] = done
		return nil
	}

	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	s.levels = levels
	return nil
}

// Config returns the underlying document. Callers must treat it as
// read-only.
func (s *Snapshot) Config() *config.Config { return s.cfg }

// MonitorByID looks a monitor up by its stable ID.
func (s *Snapshot) MonitorByID(id string) (*config.MonitorConfig, bool) {
	m, ok := s.monitorsByID[id]
	return m, ok
}

// MonitorByToken resolves a push token.
func (s *Snapshot) MonitorByToken(token string) (*config.MonitorConfig, bool) {
	m, ok := s.monitorsByToken[token]
	return m, ok
}

// GroupByID looks a group up by ID.
func (s *Snapshot) GroupByID(id string) (*config.GroupConfig, bool) {
	g, ok := s.groupsByID[id]
	return g, ok
}

// PageBySlug looks a status page up by slug.
func (s *Snapshot) PageBySlug(slug string) (*config.StatusPageConfig, bool) {
	p, ok := s.pagesBySlug[slug]
	return p, ok
}

// ChannelByID looks a notification channel up by ID.
func (s *Snapshot) ChannelByID(id string) (*config.ChannelConfig, bool) {
	ch, ok := s.channelsByID[id]
	return ch, ok
}

// Monitors returns all monitors sorted by dependency level ascending, so
// iteration evaluates dependencies before their dependents.
func (s *Snapshot) Monitors() []*config.MonitorConfig { return s.orderedMonitors }

// Groups returns all groups in document order.
func (s *Snapshot) Groups() []*config.GroupConfig {
	out := make([]*config.GroupConfig, 0, len(s.cfg.Groups))
	for i := range s.cfg.Groups {
		out = append(out, &s.cfg.Groups[i])
	}
	return out
}

// MonitorsInGroup returns the direct member monitor IDs of a group.
func (s *Snapshot) MonitorsInGroup(groupID string) []string {
	return s.monitorsByGroup[groupID]
}

// SubGroups returns the direct child group IDs of a group.
func (s *Snapshot) SubGroups(groupID string) []string {
	return s.groupsByParent[groupID]
}

// Children returns all direct children (monitors then sub-groups) of a
// group.
func (s *Snapshot) Children(groupID string) []string {
	out := append([]string{}, s.monitorsByGroup[groupID]...)
	return append(out, s.groupsByParent[groupID]...)
}

// PagesForEntity returns the slugs of status pages that display the monitor
// or group, directly or through an enclosing group.
func (s *Snapshot) PagesForEntity(entityID string) []string {
	return s.pagesByEntity[entityID]
}

// expandEntities is expandItem plus the group IDs traversed along the way.
func (s *Snapshot) expandEntities(item string, seen map[string]bool) []string {
	if _, ok := s.monitorsByID[item]; ok {
		return []string{item}
	}
	if _, ok := s.groupsByID[item]; !ok {
		return nil
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[item] {
		return nil
	}
	seen[item] = true

	out := []string{item}
	out = append(out, s.monitorsByGroup[item]...)
	for _, sub := range s.groupsByParent[item] {
		out = append(out, s.expandEntities(sub, seen)...)
	}
	return out
}

// PageMonitorIDs returns every monitor covered by a page, expanding groups.
func (s *Snapshot) PageMonitorIDs(slug string) []string {
	p, ok := s.pagesBySlug[slug]
	if !ok {
		return nil
	}
	seenOut := make(map[string]bool)
	var out []string
	for _, item := range p.Items {
		for _, id := range s.expandItem(item, nil) {
			if !seenOut[id] {
				seenOut[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Level returns the dependency level of an entity.
func (s *Snapshot) Level(id string) int { return s.levels[id] }
