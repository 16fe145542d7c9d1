// Package thing models a remote thing exposed by a gateway: its parsed
// description, its observable property and event state, and the mutation
// cycle that writes its properties.
package thing

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
)

// Link relations understood in descriptions.
const (
	RelProperty   = "property"
	RelProperties = "properties"
	RelEvents     = "events"
)

// Link points at a related resource.
type Link struct {
	Rel       string `json:"rel,omitempty"`
	Href      string `json:"href"`
	MediaType string `json:"mediaType,omitempty"`
}

// PropertyDescription describes one property of a thing.
type PropertyDescription struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	ReadOnly    bool     `json:"readOnly,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Links       []Link   `json:"links,omitempty"`
}

// Href returns the first link without a relation or with rel "property".
func (p PropertyDescription) Href() string {
	for _, l := range p.Links {
		if l.Rel == "" || l.Rel == RelProperty {
			return l.Href
		}
	}
	return ""
}

// EventDescription describes one event a thing can emit.
type EventDescription struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Links       []Link `json:"links,omitempty"`
}

// Description is a thing description with every href resolved.
type Description struct {
	Title       string                         `json:"title"`
	Href        string                         `json:"href,omitempty"`
	Links       []Link                         `json:"links,omitempty"`
	Properties  map[string]PropertyDescription `json:"properties,omitempty"`
	Events      map[string]EventDescription    `json:"events,omitempty"`
	Description string                         `json:"description,omitempty"`
}

// Updates changes the editable fields of a description. Nil fields are
// left unchanged.
type Updates struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Apply copies the set fields onto d.
func (u Updates) Apply(d *Description) {
	if u.Title != nil {
		d.Title = *u.Title
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
}

// ParseDescription decodes a description and resolves its hrefs against
// origin. An empty origin leaves relative hrefs untouched.
func ParseDescription(data []byte, origin string) (*Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("thing: decode description: %w", err)
	}
	if err := d.resolve(origin); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Description) resolve(origin string) error {
	if origin == "" {
		return nil
	}
	base, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("thing: parse origin: %w", err)
	}
	abs := func(href string) (string, error) {
		if href == "" {
			return "", nil
		}
		u, err := url.Parse(href)
		if err != nil {
			return "", fmt.Errorf("thing: parse href %q: %w", href, err)
		}
		return base.ResolveReference(u).String(), nil
	}
	links := func(ls []Link) error {
		for i := range ls {
			h, err := abs(ls[i].Href)
			if err != nil {
				return err
			}
			ls[i].Href = h
		}
		return nil
	}

	if d.Href, err = abs(d.Href); err != nil {
		return err
	}
	if err := links(d.Links); err != nil {
		return err
	}
	for name, p := range d.Properties {
		if err := links(p.Links); err != nil {
			return err
		}
		d.Properties[name] = p
	}
	for name, e := range d.Events {
		if err := links(e.Links); err != nil {
			return err
		}
		d.Events[name] = e
	}
	return nil
}

// ID returns the thing id, the unescaped last path segment of Href.
func (d *Description) ID() string {
	if d.Href == "" {
		return ""
	}
	u, err := url.Parse(d.Href)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return path.Base(u.Path)
}

func (d *Description) link(rel string) string {
	for _, l := range d.Links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// PropertiesHref returns the href of the aggregated properties resource.
func (d *Description) PropertiesHref() string { return d.link(RelProperties) }

// EventsHref returns the href of the event log.
func (d *Description) EventsHref() string { return d.link(RelEvents) }

// EventNames returns the described event names in sorted order.
func (d *Description) EventNames() []string {
	names := make([]string, 0, len(d.Events))
	for name := range d.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
