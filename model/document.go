package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

const ErrCodeInvalidTemplate = "PROCESS_INVALID_TEMPLATE"

// ErrInvalidTemplate is returned for documents that do not describe a valid template.
var ErrInvalidTemplate = errors.New("invalid process template", errors.CategoryBadInput).
	WithTextCode(ErrCodeInvalidTemplate)

// Document is the authoring/interchange form of a process template.
type Document struct {
	ID         string             `json:"id,omitempty" yaml:"id,omitempty"`
	Key        string             `json:"key" yaml:"key"`
	Version    int                `json:"version,omitempty" yaml:"version,omitempty"`
	TenantID   string             `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name       string             `json:"name,omitempty" yaml:"name,omitempty"`
	Listeners  []Listener         `json:"listeners,omitempty" yaml:"listeners,omitempty"`
	Activities []ActivityDocument `json:"activities" yaml:"activities"`
	Flows      []FlowDocument     `json:"flows,omitempty" yaml:"flows,omitempty"`
	Properties map[string]any     `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ActivityDocument describes one activity; sub-processes nest their own activities and flows.
type ActivityDocument struct {
	ID                   string             `json:"id" yaml:"id"`
	Name                 string             `json:"name,omitempty" yaml:"name,omitempty"`
	Kind                 ActivityKind       `json:"kind" yaml:"kind"`
	Activities           []ActivityDocument `json:"activities,omitempty" yaml:"activities,omitempty"`
	Flows                []FlowDocument     `json:"flows,omitempty" yaml:"flows,omitempty"`
	Boundary             []BoundaryDocument `json:"boundary,omitempty" yaml:"boundary,omitempty"`
	Event                *EventDefinition   `json:"event,omitempty" yaml:"event,omitempty"`
	CalledElement        string             `json:"called_element,omitempty" yaml:"called_element,omitempty"`
	CalledElementVersion int                `json:"called_element_version,omitempty" yaml:"called_element_version,omitempty"`
	CalledElementTenant  string             `json:"called_element_tenant,omitempty" yaml:"called_element_tenant,omitempty"`
	In                   []Mapping          `json:"in,omitempty" yaml:"in,omitempty"`
	Out                  []Mapping          `json:"out,omitempty" yaml:"out,omitempty"`
	MultiInstance        *MultiInstance     `json:"multi_instance,omitempty" yaml:"multi_instance,omitempty"`
	Default              string             `json:"default,omitempty" yaml:"default,omitempty"`
	Handler              string             `json:"handler,omitempty" yaml:"handler,omitempty"`
	Assignee             string             `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Listeners            []Listener         `json:"listeners,omitempty" yaml:"listeners,omitempty"`
	Properties           map[string]any     `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// BoundaryDocument describes an event attached to the enclosing activity.
type BoundaryDocument struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	CancelActivity *bool           `json:"cancel_activity,omitempty" yaml:"cancel_activity,omitempty"`
	Event          EventDefinition `json:"event" yaml:"event"`
	Listeners      []Listener      `json:"listeners,omitempty" yaml:"listeners,omitempty"`
}

// FlowDocument describes a sequence flow inside one scope.
type FlowDocument struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	From      string     `json:"from" yaml:"from"`
	To        string     `json:"to" yaml:"to"`
	Condition string     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Listeners []Listener `json:"listeners,omitempty" yaml:"listeners,omitempty"`
}

// ParseDocument parses YAML or JSON into a Document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// yaml also reads JSON
		return doc, invalidTemplate("failed to parse template document", err, nil)
	}
	return doc, nil
}

// MarshalDocument renders a Document as JSON.
func MarshalDocument(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Load parses and builds a definition in one step.
func Load(data []byte) (*Definition, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Build links a document into an executable definition and validates it.
func Build(doc Document) (*Definition, error) {
	key := strings.TrimSpace(doc.Key)
	if key == "" {
		key = strings.TrimSpace(doc.ID)
	}
	if key == "" {
		return nil, invalidTemplate("template key is required", nil, nil)
	}
	def := &Definition{
		ID:         strings.TrimSpace(doc.ID),
		Key:        key,
		Version:    doc.Version,
		TenantID:   strings.TrimSpace(doc.TenantID),
		Name:       doc.Name,
		Listeners:  append([]Listener(nil), doc.Listeners...),
		Properties: copyProps(doc.Properties),
		index:      make(map[string]*Activity),
	}
	b := &builder{def: def}
	acts, err := b.scope(nil, doc.Activities, doc.Flows)
	if err != nil {
		return nil, err
	}
	def.Activities = acts
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

type builder struct {
	def     *Definition
	flowSeq int
}

func (b *builder) scope(parent *Activity, docs []ActivityDocument, flows []FlowDocument) ([]*Activity, error) {
	acts := make([]*Activity, 0, len(docs))
	for _, ad := range docs {
		act, err := b.activity(parent, ad)
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	for _, ad := range docs {
		host := b.def.index[strings.TrimSpace(ad.ID)]
		for _, bd := range ad.Boundary {
			be, err := b.boundary(parent, host, bd)
			if err != nil {
				return nil, err
			}
			acts = append(acts, be)
		}
	}
	if parent != nil {
		parent.Children = acts
	}
	for _, fd := range flows {
		if err := b.flow(parent, fd); err != nil {
			return nil, err
		}
	}
	return acts, nil
}

func (b *builder) activity(parent *Activity, ad ActivityDocument) (*Activity, error) {
	id := strings.TrimSpace(ad.ID)
	if id == "" {
		return nil, invalidTemplate("activity id is required", nil, map[string]any{"parent": parentID(parent)})
	}
	if ad.Kind == "" {
		return nil, invalidTemplate(fmt.Sprintf("activity %s requires a kind", id), nil, nil)
	}
	if _, exists := b.def.index[id]; exists {
		return nil, invalidTemplate(fmt.Sprintf("duplicate activity id %s", id), nil, map[string]any{"activity_id": id})
	}
	act := &Activity{
		ID:                   id,
		Name:                 ad.Name,
		Kind:                 ad.Kind,
		Parent:               parent,
		Event:                ad.Event,
		CalledElement:        strings.TrimSpace(ad.CalledElement),
		CalledElementVersion: ad.CalledElementVersion,
		CalledElementTenant:  strings.TrimSpace(ad.CalledElementTenant),
		InMappings:           append([]Mapping(nil), ad.In...),
		OutMappings:          append([]Mapping(nil), ad.Out...),
		MultiInstance:        ad.MultiInstance,
		Default:              strings.TrimSpace(ad.Default),
		Handler:              strings.TrimSpace(ad.Handler),
		Assignee:             strings.TrimSpace(ad.Assignee),
		Listeners:            append([]Listener(nil), ad.Listeners...),
		Properties:           copyProps(ad.Properties),
		definition:           b.def,
	}
	b.def.index[id] = act
	if len(ad.Activities) > 0 || len(ad.Flows) > 0 {
		if !act.IsSubProcess() {
			return nil, invalidTemplate(fmt.Sprintf("activity %s of kind %s cannot nest activities", id, ad.Kind), nil, nil)
		}
		if _, err := b.scope(act, ad.Activities, ad.Flows); err != nil {
			return nil, err
		}
	}
	return act, nil
}

func (b *builder) boundary(parent, host *Activity, bd BoundaryDocument) (*Activity, error) {
	id := strings.TrimSpace(bd.ID)
	if id == "" {
		return nil, invalidTemplate(fmt.Sprintf("boundary event on %s requires an id", host.ID), nil, nil)
	}
	if _, exists := b.def.index[id]; exists {
		return nil, invalidTemplate(fmt.Sprintf("duplicate activity id %s", id), nil, map[string]any{"activity_id": id})
	}
	cancel := true
	if bd.CancelActivity != nil {
		cancel = *bd.CancelActivity
	}
	event := bd.Event
	be := &Activity{
		ID:             id,
		Name:           bd.Name,
		Kind:           KindBoundaryEvent,
		Parent:         parent,
		AttachedTo:     host,
		CancelActivity: cancel,
		Event:          &event,
		Listeners:      append([]Listener(nil), bd.Listeners...),
		definition:     b.def,
	}
	host.BoundaryEvents = append(host.BoundaryEvents, be)
	b.def.index[id] = be
	return be, nil
}

func (b *builder) flow(parent *Activity, fd FlowDocument) error {
	from, ok := b.def.index[strings.TrimSpace(fd.From)]
	if !ok {
		return invalidTemplate(fmt.Sprintf("flow source %s not found", fd.From), nil, map[string]any{"flow_id": fd.ID})
	}
	to, ok := b.def.index[strings.TrimSpace(fd.To)]
	if !ok {
		return invalidTemplate(fmt.Sprintf("flow target %s not found", fd.To), nil, map[string]any{"flow_id": fd.ID})
	}
	if from.Parent != parent || to.Parent != parent {
		return invalidTemplate(
			fmt.Sprintf("flow %s -> %s crosses a scope boundary", from.ID, to.ID),
			nil,
			map[string]any{"flow_id": fd.ID, "scope": parentID(parent)},
		)
	}
	id := strings.TrimSpace(fd.ID)
	if id == "" {
		b.flowSeq++
		id = fmt.Sprintf("flow_%d", b.flowSeq)
	}
	tr := &Transition{
		ID:        id,
		Source:    from,
		Target:    to,
		Condition: strings.TrimSpace(fd.Condition),
		Listeners: append([]Listener(nil), fd.Listeners...),
	}
	from.Outgoing = append(from.Outgoing, tr)
	to.Incoming = append(to.Incoming, tr)
	b.def.Transitions = append(b.def.Transitions, tr)
	return nil
}

// Validate checks structural rules a runnable definition must satisfy.
func Validate(def *Definition) error {
	if def == nil {
		return invalidTemplate("definition is nil", nil, nil)
	}
	if def.InitialActivity() == nil {
		return invalidTemplate(fmt.Sprintf("template %s requires a top-level start event", def.Key), nil, nil)
	}
	seenFlows := make(map[string]struct{}, len(def.Transitions))
	for _, tr := range def.Transitions {
		if _, dup := seenFlows[tr.ID]; dup {
			return invalidTemplate(fmt.Sprintf("duplicate flow id %s", tr.ID), nil, nil)
		}
		seenFlows[tr.ID] = struct{}{}
	}
	for _, act := range def.AllActivities() {
		if err := validateActivity(act); err != nil {
			return err
		}
	}
	return nil
}

func validateActivity(act *Activity) error {
	meta := map[string]any{"activity_id": act.ID}
	switch act.Kind {
	case KindSubProcess:
		if act.InitialActivity() == nil {
			return invalidTemplate(fmt.Sprintf("sub process %s requires a start event", act.ID), nil, meta)
		}
	case KindEventSubProcess:
		if act.InitialActivity() == nil {
			return invalidTemplate(fmt.Sprintf("event sub process %s requires a start event", act.ID), nil, meta)
		}
		if len(act.Incoming) > 0 {
			return invalidTemplate(fmt.Sprintf("event sub process %s cannot have incoming flows", act.ID), nil, meta)
		}
	case KindCallActivity:
		if act.CalledElement == "" {
			return invalidTemplate(fmt.Sprintf("call activity %s requires a called element", act.ID), nil, meta)
		}
	case KindParallelGateway, KindExclusiveGateway:
		if len(act.Outgoing) == 0 {
			return invalidTemplate(fmt.Sprintf("gateway %s requires outgoing flows", act.ID), nil, meta)
		}
		if act.Default != "" && act.OutgoingByID(act.Default) == nil {
			return invalidTemplate(fmt.Sprintf("gateway %s default flow %s not found", act.ID, act.Default), nil, meta)
		}
	case KindBoundaryEvent:
		if act.AttachedTo == nil {
			return invalidTemplate(fmt.Sprintf("boundary event %s is not attached", act.ID), nil, meta)
		}
		if err := validateEvent(act); err != nil {
			return err
		}
	case KindIntermediateCatchEvent:
		if act.Event == nil {
			return invalidTemplate(fmt.Sprintf("catch event %s requires an event definition", act.ID), nil, meta)
		}
		if err := validateEvent(act); err != nil {
			return err
		}
	case KindStartEvent, KindEndEvent, KindUserTask, KindManualTask, KindReceiveTask,
		KindServiceTask, KindScriptTask:
	default:
		return invalidTemplate(fmt.Sprintf("activity %s has unknown kind %q", act.ID, act.Kind), nil, meta)
	}
	if mi := act.MultiInstance; mi != nil {
		if strings.TrimSpace(mi.Cardinality) == "" && strings.TrimSpace(mi.Collection) == "" {
			return invalidTemplate(fmt.Sprintf("multi instance %s requires cardinality or collection", act.ID), nil, meta)
		}
	}
	return nil
}

func validateEvent(act *Activity) error {
	ev := act.Event
	if ev == nil {
		return invalidTemplate(fmt.Sprintf("event %s requires an event definition", act.ID), nil, nil)
	}
	switch ev.Type {
	case EventTimer:
		if ev.Duration == "" && ev.Cycle == "" {
			return invalidTemplate(fmt.Sprintf("timer %s requires duration or cycle", act.ID), nil, nil)
		}
		if ev.Duration != "" {
			if _, err := time.ParseDuration(ev.Duration); err != nil {
				return invalidTemplate(fmt.Sprintf("timer %s has invalid duration", act.ID), err, nil)
			}
		}
	case EventMessage, EventSignal, EventError:
	default:
		return invalidTemplate(fmt.Sprintf("event %s has unknown type %q", act.ID, ev.Type), nil, nil)
	}
	return nil
}

func invalidTemplate(message string, source error, metadata map[string]any) *errors.Error {
	err := ErrInvalidTemplate.Clone()
	err.Message = message
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func parentID(parent *Activity) string {
	if parent == nil {
		return ""
	}
	return parent.ID
}

func copyProps(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
