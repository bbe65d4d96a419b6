// Package mapper translates between the local story schema and Azure DevOps
// work item fields.
//
// The mapper is pure: given a configuration of state, priority, and field
// tables it converts values in both directions without touching the store or
// the network. Unknown inputs are never errors; they fall back to configured
// defaults with a logged warning so a sync run keeps moving.
package mapper

import (
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/store"
)

// Transform is a named pure transformation applied by declarative field
// mappings. The set is closed; configuration names resolve to one of these
// at load time.
type Transform int

const (
	// TransformNone passes the value through unchanged. Unknown transform
	// names resolve to this.
	TransformNone Transform = iota

	// TransformExtractDisplayName pulls a display name out of an identity
	// field value.
	TransformExtractDisplayName

	// TransformStripHTML converts rich text to plain text.
	TransformStripHTML

	// TransformKeepHTML keeps the raw HTML value.
	TransformKeepHTML
)

// ParseTransform resolves a configuration name to a Transform. Unknown names
// resolve to TransformNone with a warning, never an error.
func ParseTransform(name string, logger *log.Logger) Transform {
	switch name {
	case "", "none", "keep":
		return TransformNone
	case "extract_display_name", "extractDisplayName":
		return TransformExtractDisplayName
	case "strip_html", "stripHtml":
		return TransformStripHTML
	case "keep_html", "keepHtml":
		return TransformKeepHTML
	default:
		if logger != nil {
			logger.Printf("Warning: unknown field transform %q, passing value through", name)
		}
		return TransformNone
	}
}

// Apply runs the transform on a raw field value.
func (t Transform) Apply(value any) any {
	switch t {
	case TransformExtractDisplayName:
		return ExtractDisplayName(value)
	case TransformStripHTML:
		if s, ok := value.(string); ok {
			return StripHTML(s)
		}
		return value
	default:
		return value
	}
}

// FieldMapping declares one remote-field to local-field translation.
type FieldMapping struct {
	RemoteField string
	LocalField  string
	Transform   Transform
}

// Config holds the translation tables.
type Config struct {
	// InboundStates maps a remote state to a local status.
	InboundStates map[string]store.Status

	// OutboundStates maps a local status to a remote state.
	OutboundStates map[store.Status]string

	// InboundPriorities maps remote numeric priority to local priority.
	InboundPriorities map[int]store.Priority

	// OutboundPriorities is the reverse table.
	OutboundPriorities map[store.Priority]int

	// NewState is the remote state newly created work items start in.
	NewState string

	// SupportedTypes lists the remote work item types to sync.
	SupportedTypes []string

	// FieldMappings are the declarative per-field translations.
	FieldMappings []FieldMapping
}

// DefaultConfig returns the translation tables for a stock Agile process.
func DefaultConfig() *Config {
	return &Config{
		InboundStates: map[string]store.Status{
			"New":      store.StatusPlanned,
			"Active":   store.StatusInProgress,
			"Resolved": store.StatusReview,
			"Closed":   store.StatusCompleted,
			"Removed":  store.StatusCancelled,
		},
		OutboundStates: map[store.Status]string{
			store.StatusDraft:      "New",
			store.StatusPlanned:    "New",
			store.StatusInProgress: "Active",
			store.StatusReview:     "Resolved",
			store.StatusCompleted:  "Closed",
			store.StatusCancelled:  "Removed",
		},
		InboundPriorities: map[int]store.Priority{
			1: store.PriorityP0,
			2: store.PriorityP1,
			3: store.PriorityP2,
			4: store.PriorityP3,
		},
		OutboundPriorities: map[store.Priority]int{
			store.PriorityP0: 1,
			store.PriorityP1: 2,
			store.PriorityP2: 3,
			store.PriorityP3: 4,
		},
		NewState:       "New",
		SupportedTypes: []string{"User Story", "Bug"},
	}
}

// LocalFields is the result of mapping a remote work item into the local
// vocabulary.
type LocalFields struct {
	Title       string
	Description string
	Why         string
	Status      store.Status
	Priority    store.Priority
	AssignedTo  string
	Extensions  store.Extensions
}

// Mapper translates fields in both directions. The configuration can be
// swapped at runtime (hot reload); reads always see a consistent table set.
type Mapper struct {
	cfg    atomic.Pointer[Config]
	logger *log.Logger
}

// New creates a Mapper. A nil config uses DefaultConfig; a nil logger writes
// to stderr.
func New(cfg *Config, logger *log.Logger) *Mapper {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[mapper] ", log.LstdFlags)
	}
	m := &Mapper{logger: logger}
	m.cfg.Store(cfg)
	return m
}

// Reload swaps in a new configuration. Safe to call while engines are
// running.
func (m *Mapper) Reload(cfg *Config) {
	if cfg == nil {
		return
	}
	m.cfg.Store(cfg)
}

func (m *Mapper) config() *Config {
	return m.cfg.Load()
}

// IsTypeSupported reports whether the remote work item type is configured
// for sync.
func (m *Mapper) IsTypeSupported(workItemType string) bool {
	for _, t := range m.config().SupportedTypes {
		if t == workItemType {
			return true
		}
	}
	return false
}

// SupportedTypes returns the configured work item types.
func (m *Mapper) SupportedTypes() []string {
	return m.config().SupportedTypes
}

// RemoteStateToStatus maps a remote state to a local status, defaulting to
// draft with a warning on unknown states.
func (m *Mapper) RemoteStateToStatus(state string) store.Status {
	if status, ok := m.config().InboundStates[state]; ok {
		return status
	}
	m.logger.Printf("Warning: unknown remote state %q, defaulting to draft", state)
	return store.StatusDraft
}

// StatusToRemoteState maps a local status to a remote state, defaulting to
// the configured new-item state with a warning on unknown statuses.
func (m *Mapper) StatusToRemoteState(status store.Status) string {
	if state, ok := m.config().OutboundStates[status]; ok {
		return state
	}
	m.logger.Printf("Warning: unknown local status %q, defaulting to %s", status, m.config().NewState)
	return m.config().NewState
}

// RemoteToLocalPriority maps a remote numeric priority. Absent values
// default to P2; numeric values outside the table clamp to P0/P3.
func (m *Mapper) RemoteToLocalPriority(priority *int) store.Priority {
	if priority == nil {
		return store.PriorityP2
	}
	cfg := m.config()
	if p, ok := cfg.InboundPriorities[*priority]; ok {
		return p
	}

	lo, hi := 0, 0
	first := true
	for k := range cfg.InboundPriorities {
		if first || k < lo {
			lo = k
		}
		if first || k > hi {
			hi = k
		}
		first = false
	}
	if *priority < lo {
		return store.PriorityP0
	}
	if *priority > hi {
		return store.PriorityP3
	}
	m.logger.Printf("Warning: unmapped remote priority %d, defaulting to P2", *priority)
	return store.PriorityP2
}

// LocalToRemotePriority maps a local priority, defaulting to the middle of
// the remote scale on unknown input.
func (m *Mapper) LocalToRemotePriority(priority store.Priority) int {
	if p, ok := m.config().OutboundPriorities[priority]; ok {
		return p
	}
	m.logger.Printf("Warning: unknown local priority %q, defaulting to 3", priority)
	return 3
}

// MapRemoteToLocal converts a remote work item into local story fields.
func (m *Mapper) MapRemoteToLocal(item *ado.WorkItem) *LocalFields {
	var priority *int
	if raw, ok := item.Fields[ado.FieldPriority]; ok {
		switch v := raw.(type) {
		case float64:
			p := int(v)
			priority = &p
		case int:
			p := v
			priority = &p
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := item.ID
	fields := &LocalFields{
		Title:       item.StringField(ado.FieldTitle),
		Description: StripHTML(item.StringField(ado.FieldDescription)),
		Why:         StripHTML(item.StringField(ado.FieldAcceptanceCriteria)),
		Status:      m.RemoteStateToStatus(item.State()),
		Priority:    m.RemoteToLocalPriority(priority),
		AssignedTo:  ExtractDisplayName(item.Fields[ado.FieldAssignedTo]),
		Extensions: store.Extensions{
			RemoteID:           &id,
			RemoteURL:          item.URL,
			RemoteLastSyncAt:   now,
			RemoteRevision:     item.Rev,
			RemoteWorkItemType: item.Type(),
		},
	}
	m.applyFieldMappings(item, fields)
	return fields
}

// applyFieldMappings applies the deployment's declarative mappings on top of
// the standard translation. This is the escape hatch for processes that keep
// a field somewhere nonstandard, e.g. the why text in a custom field.
func (m *Mapper) applyFieldMappings(item *ado.WorkItem, fields *LocalFields) {
	for _, fm := range m.config().FieldMappings {
		raw, ok := item.Fields[fm.RemoteField]
		if !ok {
			continue
		}
		value, _ := fm.Transform.Apply(raw).(string)
		switch fm.LocalField {
		case "title":
			fields.Title = value
		case "description":
			fields.Description = value
		case "why":
			fields.Why = value
		case "assignedTo":
			fields.AssignedTo = value
		default:
			m.logger.Printf("Warning: field mapping targets unknown local field %q", fm.LocalField)
		}
	}
}

// MapLocalToRemoteFields converts a local story into the field map for
// remote work item creation.
//
// The state is always the configured new-item state: new remote items start
// in the initial state regardless of local status, and the outbound engine
// performs any subsequent transition.
func (m *Mapper) MapLocalToRemoteFields(story *store.Story) map[string]any {
	title := story.Title
	if title == "" {
		title = "Untitled"
	}

	fields := map[string]any{
		ado.FieldTitle:    title,
		ado.FieldState:    m.config().NewState,
		ado.FieldPriority: m.LocalToRemotePriority(story.Priority),
	}
	if html := WrapHTML(story.Description); html != "" {
		fields[ado.FieldDescription] = html
	}
	if html := WrapHTML(story.Why); html != "" {
		fields[ado.FieldAcceptanceCriteria] = html
	}
	if story.AssignedTo != "" {
		fields[ado.FieldAssignedTo] = story.AssignedTo
	}
	return fields
}

// ExtractDisplayName pulls a human name from an identity field value.
// Identity values arrive either as an object with displayName/uniqueName or
// as a plain string. Returns "" when nothing usable is present.
func ExtractDisplayName(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if name, _ := v["displayName"].(string); name != "" {
			return name
		}
		if name, _ := v["uniqueName"].(string); name != "" {
			return name
		}
	}
	return ""
}
