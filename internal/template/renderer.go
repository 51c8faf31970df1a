// Package template renders message bodies from Liquid-style {{field}}
// placeholders and recipient attributes. Key matching is case-insensitive
// and a handful of aliases map to top-level recipient attributes. Missing
// variables render as empty strings and are reported once per variable per
// session on the event bus.
package template

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/events"
)

// varPattern finds {{ variable }} references, including filtered ones.
var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// Renderer renders session templates with per-template parse caching.
// Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template string -> *liquid.Template
	bus    *events.Bus

	mu     sync.Mutex
	warned map[uuid.UUID]map[string]bool
}

// NewRenderer creates a renderer. bus may be nil (warnings are dropped).
func NewRenderer(bus *events.Bus) *Renderer {
	return &Renderer{
		engine: liquid.NewEngine(),
		bus:    bus,
		warned: make(map[uuid.UUID]map[string]bool),
	}
}

// Render substitutes recipient attributes into the template. The output is
// the final SMS body; no length truncation happens here (the transport
// segments).
func (r *Renderer) Render(sessionID uuid.UUID, tmpl string, rcpt domain.Recipient) (string, error) {
	if tmpl == "" {
		return "", domain.NewError(domain.CodeInvalidInput, "empty template")
	}

	tpl, err := r.parse(tmpl)
	if err != nil {
		return "", domain.NewError(domain.CodeInvalidInput, "template parse: %v", err)
	}

	bindings, missing := r.bindingsFor(tmpl, rcpt)
	for _, v := range missing {
		r.warnOnce(sessionID, v)
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", domain.NewError(domain.CodeInvalidInput, "template render: %v", err)
	}
	return out, nil
}

// Validate parses the template and returns the variables it references.
// Used by the preview surface; an error means the template is malformed.
func (r *Renderer) Validate(tmpl string) ([]string, error) {
	if tmpl == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "empty template")
	}
	if _, err := r.parse(tmpl); err != nil {
		return nil, domain.NewError(domain.CodeInvalidInput, "template parse: %v", err)
	}
	return Variables(tmpl), nil
}

// EndSession drops the session's missing-variable dedup state.
func (r *Renderer) EndSession(sessionID uuid.UUID) {
	r.mu.Lock()
	delete(r.warned, sessionID)
	r.mu.Unlock()
}

func (r *Renderer) parse(tmpl string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(tmpl); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(tmpl)
	if err != nil {
		return nil, err
	}
	r.cache.Store(tmpl, tpl)
	return tpl, nil
}

// bindingsFor resolves every variable the template references against the
// recipient, case-insensitively, and reports the ones with no value.
func (r *Renderer) bindingsFor(tmpl string, rcpt domain.Recipient) (map[string]interface{}, []string) {
	lookup := make(map[string]string, len(rcpt.Fields)+8)
	for k, v := range rcpt.Fields {
		lookup[strings.ToLower(k)] = v
	}
	// Aliases map to top-level attributes unless the import already
	// provided a field with the same name.
	alias := func(key, val string) {
		if _, ok := lookup[key]; !ok && val != "" {
			lookup[key] = val
		}
	}
	alias("name", rcpt.Name)
	alias("phonenumber", rcpt.Phone)
	alias("phone", rcpt.Phone)
	alias("mobile", rcpt.Phone)
	alias("amount", rcpt.Amount)

	bindings := make(map[string]interface{}, len(rcpt.Fields)+8)
	for k, v := range rcpt.Fields {
		bindings[k] = v
	}

	var missing []string
	for _, v := range Variables(tmpl) {
		if val, ok := lookup[strings.ToLower(v)]; ok {
			bindings[v] = val
		} else if _, bound := bindings[v]; !bound {
			bindings[v] = ""
			missing = append(missing, v)
		}
	}
	return bindings, missing
}

func (r *Renderer) warnOnce(sessionID uuid.UUID, variable string) {
	r.mu.Lock()
	seen := r.warned[sessionID]
	if seen == nil {
		seen = make(map[string]bool)
		r.warned[sessionID] = seen
	}
	already := seen[variable]
	seen[variable] = true
	r.mu.Unlock()

	if already || r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Kind:       events.KindMissingVariable,
		MissingVar: &events.MissingVariable{SessionID: sessionID, Variable: variable},
	})
}

// Variables returns the distinct variable names referenced by a template,
// in first-appearance order.
func Variables(tmpl string) []string {
	matches := varPattern.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
