package client

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/splitio/go-client/engine/grammar"
	"github.com/splitio/go-client/storage"
)

// SplitView is the introspection projection of one cached feature flag.
type SplitView struct {
	Name             string            `json:"name"`
	TrafficType      string            `json:"trafficType"`
	Killed           bool              `json:"killed"`
	Treatments       []string          `json:"treatments"`
	ChangeNumber     int64             `json:"changeNumber"`
	Configs          map[string]string `json:"configs"`
	DefaultTreatment string            `json:"defaultTreatment"`
	Sets             []string          `json:"sets"`
}

// SplitManager exposes read-only views over the cached flag definitions.
type SplitManager struct {
	factory *SplitFactory
	splits  storage.SplitStorage
	logger  log.Logger
}

func splitView(split *grammar.Split) *SplitView {
	sets := split.Sets()
	if sets == nil {
		sets = []string{}
	}
	return &SplitView{
		Name:             split.Name(),
		TrafficType:      split.TrafficTypeName(),
		Killed:           split.Killed(),
		Treatments:       split.Treatments(),
		ChangeNumber:     split.ChangeNumber(),
		Configs:          split.Configurations(),
		DefaultTreatment: split.DefaultTreatment(),
		Sets:             sets,
	}
}

func (m *SplitManager) guard(method string) bool {
	if m.factory.IsDestroyed() {
		level.Error(m.logger).Log("msg", "manager called after destroy", "method", method)
		return false
	}
	if !m.factory.IsReady() {
		level.Warn(m.logger).Log("msg", "the SDK is not ready, results may be incorrect", "method", method)
	}
	return true
}

// Splits returns a view of every cached feature flag.
func (m *SplitManager) Splits() []SplitView {
	if !m.guard("splits") {
		return nil
	}
	all := m.splits.All()
	views := make([]SplitView, 0, len(all))
	for _, split := range all {
		views = append(views, *splitView(split))
	}
	return views
}

// Split returns the view of one flag, or nil when it is not cached.
func (m *SplitManager) Split(name string) *SplitView {
	if !m.guard("split") {
		return nil
	}
	name, ok := validateFeatureName(m.logger, "split", name)
	if !ok {
		return nil
	}
	split := m.splits.Split(name)
	if split == nil {
		level.Warn(m.logger).Log("msg", "feature flag does not exist in this environment", "flag", name)
		return nil
	}
	return splitView(split)
}

// SplitNames returns the names of every cached feature flag.
func (m *SplitManager) SplitNames() []string {
	if !m.guard("splitNames") {
		return nil
	}
	return m.splits.SplitNames()
}

// BlockUntilReady mirrors the client call for callers that only hold the
// manager.
func (m *SplitManager) BlockUntilReady(timeout int) error {
	return m.factory.BlockUntilReady(timeout)
}
