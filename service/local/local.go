// Package local feeds the flag cache from a file instead of the backend.
// Three formats are supported, selected by extension: the legacy
// "feature treatment" line format, a yaml list of per-treatment statements
// and a full split-changes json document.
package local

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/splitio/go-client/dtos"
	"github.com/splitio/go-client/storage"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var legacyLine = regexp.MustCompile(`^([\w_-]+)\s+([\w_-]+)$`)

// Synthetic wire values for flags built from legacy and yaml files. The
// exact numbers are irrelevant to evaluation: every condition partitions
// 100% to one treatment.
const (
	localChangeNumber          = 123
	localSeed                  = 321654
	localTrafficAllocationSeed = 123456
)

// Synchronizer reloads flag definitions from one file. A reload is applied
// only when the file's mtime moved since the last successful load.
type Synchronizer struct {
	path    string
	splits  storage.SplitStorage
	logger  log.Logger
	lastMod time.Time
	loads   int64
}

// NewSynchronizer builds a file-backed flag synchronizer.
func NewSynchronizer(path string, splits storage.SplitStorage, logger log.Logger) *Synchronizer {
	return &Synchronizer{path: path, splits: splits, logger: logger}
}

// SynchronizeSplits re-reads the file and applies it to storage. Unchanged
// files are a no-op.
func (s *Synchronizer) SynchronizeSplits() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrapf(err, "reading flag file %s", s.path)
	}
	if !s.lastMod.IsZero() && !info.ModTime().After(s.lastMod) {
		return nil
	}

	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = s.applyFlat(s.parseYAML)
	case ".json":
		err = s.applyJSON()
	default:
		err = s.applyFlat(s.parseLegacy)
	}
	if err != nil {
		return err
	}
	s.lastMod = info.ModTime()
	return nil
}

// applyFlat handles the legacy and yaml formats: the file is the complete
// universe of flags, so anything stored but absent is removed.
func (s *Synchronizer) applyFlat(parse func([]byte) ([]dtos.SplitDTO, error)) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "reading flag file %s", s.path)
	}
	fetched, err := parse(raw)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(fetched))
	for _, split := range fetched {
		present[split.Name] = struct{}{}
	}
	toRemove := []dtos.SplitDTO{}
	for _, name := range s.splits.SplitNames() {
		if _, ok := present[name]; !ok {
			toRemove = append(toRemove, dtos.SplitDTO{Name: name})
		}
	}

	s.loads++
	s.splits.Update(fetched, toRemove, s.loads)
	return nil
}

func (s *Synchronizer) parseLegacy(raw []byte) ([]dtos.SplitDTO, error) {
	out := []dtos.SplitDTO{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := legacyLine.FindStringSubmatch(line)
		if fields == nil {
			level.Warn(s.logger).Log("msg", "skipping invalid flag definition line", "line", line)
			continue
		}
		out = append(out, makeSplit(fields[1], []dtos.ConditionDTO{allKeysCondition(fields[2])}, nil))
	}
	return out, nil
}

// yamlStatement is one entry of the yaml list:
//
//	- my_feature:
//	    treatment: "on"
//	    keys: ["k1", "k2"]
//	    config: "{\"size\": 10}"
type yamlStatement struct {
	Treatment string      `yaml:"treatment"`
	Keys      interface{} `yaml:"keys"`
	Config    string      `yaml:"config"`
}

func (s *Synchronizer) parseYAML(raw []byte) ([]dtos.SplitDTO, error) {
	var parsed []map[string]yamlStatement
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrapf(err, "parsing yaml flag file %s", s.path)
	}

	order := []string{}
	whitelists := make(map[string][]dtos.ConditionDTO)
	catchAlls := make(map[string][]dtos.ConditionDTO)
	configs := make(map[string]map[string]string)
	for _, statement := range parsed {
		for name, data := range statement {
			if _, seen := whitelists[name]; !seen {
				if _, seen := catchAlls[name]; !seen {
					order = append(order, name)
				}
			}
			if keys := yamlKeys(data.Keys); len(keys) > 0 {
				whitelists[name] = append(whitelists[name], whitelistCondition(keys, data.Treatment))
			} else {
				catchAlls[name] = append(catchAlls[name], allKeysCondition(data.Treatment))
			}
			if data.Config != "" {
				if configs[name] == nil {
					configs[name] = make(map[string]string)
				}
				configs[name][data.Treatment] = data.Config
			}
		}
	}

	out := make([]dtos.SplitDTO, 0, len(order))
	for _, name := range order {
		// Keyed statements take precedence over catch-alls regardless of
		// their order in the file.
		conditions := append(whitelists[name], catchAlls[name]...)
		out = append(out, makeSplit(name, conditions, configs[name]))
	}
	return out, nil
}

func yamlKeys(value interface{}) []string {
	switch typed := value.(type) {
	case string:
		return []string{typed}
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if key, ok := item.(string); ok {
				out = append(out, key)
			}
		}
		return out
	default:
		return nil
	}
}

// splitFileDTO is the json file layout: the body of a /splitChanges
// response without the envelope.
type splitFileDTO struct {
	Splits []dtos.SplitDTO `json:"splits"`
	Since  int64           `json:"since"`
	Till   int64           `json:"till"`
}

// applyJSON handles full wire-format files. The document's change numbers
// drive idempotence: a till at or below the stored one is skipped.
func (s *Synchronizer) applyJSON() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "reading flag file %s", s.path)
	}
	var doc splitFileDTO
	if err := jsonAPI.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(err, "parsing json flag file %s", s.path)
	}
	if s.splits.ChangeNumber() > doc.Till {
		return nil
	}

	sanitized := make([]dtos.SplitDTO, 0, len(doc.Splits))
	present := make(map[string]struct{}, len(doc.Splits))
	for _, split := range doc.Splits {
		if split.Name == "" {
			level.Warn(s.logger).Log("msg", "skipping unnamed flag in json file")
			continue
		}
		sanitizeSplit(&split)
		sanitized = append(sanitized, split)
		present[split.Name] = struct{}{}
	}

	toRemove := []dtos.SplitDTO{}
	if doc.Since == -1 {
		// A full snapshot replaces the stored universe.
		for _, name := range s.splits.SplitNames() {
			if _, ok := present[name]; !ok {
				toRemove = append(toRemove, dtos.SplitDTO{Name: name})
			}
		}
	}
	s.splits.Update(sanitized, toRemove, doc.Till)
	return nil
}

// sanitizeSplit fills the fields the evaluator relies on when a hand-written
// file omits them.
func sanitizeSplit(split *dtos.SplitDTO) {
	if split.Status != "ACTIVE" && split.Status != "ARCHIVED" {
		split.Status = "ACTIVE"
	}
	if split.DefaultTreatment == "" {
		split.DefaultTreatment = "control"
	}
	if split.TrafficTypeName == "" {
		split.TrafficTypeName = "user"
	}
	if split.Algo != 1 && split.Algo != 2 {
		split.Algo = 2
	}
	if split.TrafficAllocation == nil || *split.TrafficAllocation < 0 || *split.TrafficAllocation > 100 {
		full := 100
		split.TrafficAllocation = &full
	}
	if len(split.Conditions) == 0 {
		split.Conditions = []dtos.ConditionDTO{allKeysCondition(split.DefaultTreatment)}
	}
}

func makeSplit(name string, conditions []dtos.ConditionDTO, configs map[string]string) dtos.SplitDTO {
	full := 100
	return dtos.SplitDTO{
		Name:                  name,
		Seed:                  localSeed,
		Status:                "ACTIVE",
		Killed:                false,
		DefaultTreatment:      "control",
		TrafficTypeName:       "user",
		TrafficAllocation:     &full,
		TrafficAllocationSeed: localTrafficAllocationSeed,
		Algo:                  2,
		ChangeNumber:          localChangeNumber,
		Conditions:            conditions,
		Configurations:        configs,
	}
}

func allKeysCondition(treatment string) dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: "WHITELIST",
		Label:         "default rule",
		MatcherGroup: dtos.MatcherGroupDTO{
			Combiner: "AND",
			Matchers: []dtos.MatcherDTO{{MatcherType: "ALL_KEYS"}},
		},
		Partitions: []dtos.PartitionDTO{{Treatment: treatment, Size: 100}},
	}
}

func whitelistCondition(keys []string, treatment string) dtos.ConditionDTO {
	return dtos.ConditionDTO{
		ConditionType: "WHITELIST",
		Label:         "whitelisted",
		MatcherGroup: dtos.MatcherGroupDTO{
			Combiner: "AND",
			Matchers: []dtos.MatcherDTO{{
				MatcherType: "WHITELIST",
				Whitelist:   &dtos.WhitelistMatcherDataDTO{Whitelist: keys},
			}},
		},
		Partitions: []dtos.PartitionDTO{{Treatment: treatment, Size: 100}},
	}
}
