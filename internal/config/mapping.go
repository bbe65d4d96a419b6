package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

// mappingDoc is the on-disk shape of the field-mapping document.
type mappingDoc struct {
	States struct {
		Inbound  map[string]string `yaml:"inbound"`
		Outbound map[string]string `yaml:"outbound"`
	} `yaml:"states"`
	Priorities struct {
		Inbound  map[int]string `yaml:"inbound"`
		Outbound map[string]int `yaml:"outbound"`
	} `yaml:"priorities"`
	NewState string   `yaml:"new_state"`
	Types    []string `yaml:"types"`
	Fields   []struct {
		Remote    string `yaml:"remote"`
		Local     string `yaml:"local"`
		Transform string `yaml:"transform"`
	} `yaml:"fields"`
}

var validStatuses = map[store.Status]bool{
	store.StatusDraft:      true,
	store.StatusPlanned:    true,
	store.StatusInProgress: true,
	store.StatusReview:     true,
	store.StatusCompleted:  true,
	store.StatusCancelled:  true,
}

var validPriorities = map[store.Priority]bool{
	store.PriorityP0: true,
	store.PriorityP1: true,
	store.PriorityP2: true,
	store.PriorityP3: true,
}

// LoadMapping reads the field-mapping YAML document and converts it into
// mapper translation tables. A missing file yields the default tables.
// Sections absent from the document keep their defaults, so a deployment
// overriding only the state tables does not have to restate everything.
func LoadMapping(path string, logger *log.Logger) (*mapper.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mapper.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read mapping %s: %w", path, err)
	}

	var doc mappingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", path, err)
	}

	cfg := mapper.DefaultConfig()

	if len(doc.States.Inbound) > 0 {
		cfg.InboundStates = make(map[string]store.Status, len(doc.States.Inbound))
		for state, status := range doc.States.Inbound {
			s := store.Status(status)
			if !validStatuses[s] {
				return nil, fmt.Errorf("mapping %s: unknown status %q for state %q", path, status, state)
			}
			cfg.InboundStates[state] = s
		}
	}
	if len(doc.States.Outbound) > 0 {
		cfg.OutboundStates = make(map[store.Status]string, len(doc.States.Outbound))
		for status, state := range doc.States.Outbound {
			s := store.Status(status)
			if !validStatuses[s] {
				return nil, fmt.Errorf("mapping %s: unknown status %q", path, status)
			}
			cfg.OutboundStates[s] = state
		}
	}
	if len(doc.Priorities.Inbound) > 0 {
		cfg.InboundPriorities = make(map[int]store.Priority, len(doc.Priorities.Inbound))
		for n, p := range doc.Priorities.Inbound {
			pr := store.Priority(p)
			if !validPriorities[pr] {
				return nil, fmt.Errorf("mapping %s: unknown priority %q", path, p)
			}
			cfg.InboundPriorities[n] = pr
		}
	}
	if len(doc.Priorities.Outbound) > 0 {
		cfg.OutboundPriorities = make(map[store.Priority]int, len(doc.Priorities.Outbound))
		for p, n := range doc.Priorities.Outbound {
			pr := store.Priority(p)
			if !validPriorities[pr] {
				return nil, fmt.Errorf("mapping %s: unknown priority %q", path, p)
			}
			cfg.OutboundPriorities[pr] = n
		}
	}
	if doc.NewState != "" {
		cfg.NewState = doc.NewState
	}
	if len(doc.Types) > 0 {
		cfg.SupportedTypes = doc.Types
	}
	if len(doc.Fields) > 0 {
		cfg.FieldMappings = cfg.FieldMappings[:0]
		for _, f := range doc.Fields {
			if f.Remote == "" || f.Local == "" {
				return nil, fmt.Errorf("mapping %s: field entries need both remote and local", path)
			}
			cfg.FieldMappings = append(cfg.FieldMappings, mapper.FieldMapping{
				RemoteField: f.Remote,
				LocalField:  f.Local,
				Transform:   mapper.ParseTransform(f.Transform, logger),
			})
		}
	}

	return cfg, nil
}
