// Package service describes the capabilities a backend service announces to
// the gateway: its identity, its actions and the GraphQL fragments they
// contribute.
package service

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Descriptor is one backend service as seen in a registry snapshot.
type Descriptor struct {
	Name     string   `yaml:"name" json:"name"`
	Version  any      `yaml:"version,omitempty" json:"version,omitempty"`
	Settings Settings `yaml:"settings,omitempty" json:"settings,omitempty"`
	Actions  []Action `yaml:"actions,omitempty" json:"actions,omitempty"`
	// NodeID identifies the process that announced the service, if known.
	NodeID string `yaml:"nodeID,omitempty" json:"nodeID,omitempty"`
}

type Settings struct {
	GraphQL *Bundle `yaml:"graphql,omitempty" json:"graphql,omitempty"`
}

// FullName is the version-qualified service name used as identity.
// A numeric version 2 yields "v2.name", a string version "beta" yields
// "beta.name".
func (d Descriptor) FullName() string {
	switch v := d.Version.(type) {
	case nil:
		return d.Name
	case int:
		return fmt.Sprintf("v%d.%s", v, d.Name)
	case int64:
		return fmt.Sprintf("v%d.%s", v, d.Name)
	case uint64:
		return fmt.Sprintf("v%d.%s", v, d.Name)
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("v%d.%s", int64(v), d.Name)
		}
		return fmt.Sprintf("v%g.%s", v, d.Name)
	case string:
		if v == "" {
			return d.Name
		}
		return v + "." + d.Name
	default:
		return fmt.Sprintf("%v.%s", v, d.Name)
	}
}

// Action is a remotely callable operation of a service.
type Action struct {
	Name    string         `yaml:"name" json:"name"`
	GraphQL *ActionBinding `yaml:"graphql,omitempty" json:"graphql,omitempty"`
}

// FullName returns the fully qualified action name "<service>.<action>".
func (a Action) FullName(svc Descriptor) string {
	return svc.FullName() + "." + a.Name
}

// Fragments holds raw type-system declarations.
type Fragments struct {
	Type      []string `yaml:"type,omitempty" json:"type,omitempty"`
	Interface []string `yaml:"interface,omitempty" json:"interface,omitempty"`
	Union     []string `yaml:"union,omitempty" json:"union,omitempty"`
	Enum      []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Input     []string `yaml:"input,omitempty" json:"input,omitempty"`
}

// Bundle is the service-level GraphQL contribution.
type Bundle struct {
	Query        []string `yaml:"query,omitempty" json:"query,omitempty"`
	Mutation     []string `yaml:"mutation,omitempty" json:"mutation,omitempty"`
	Subscription []string `yaml:"subscription,omitempty" json:"subscription,omitempty"`
	Fragments    `yaml:",inline"`
	// Resolvers maps type name to field name to resolver declaration.
	Resolvers map[string]map[string]ResolverSpec `yaml:"resolvers,omitempty" json:"resolvers,omitempty"`
}

// ActionBinding exposes one action as root field declarations.
type ActionBinding struct {
	Query        []string `yaml:"query,omitempty" json:"query,omitempty"`
	Mutation     []string `yaml:"mutation,omitempty" json:"mutation,omitempty"`
	Subscription []string `yaml:"subscription,omitempty" json:"subscription,omitempty"`
	Fragments    `yaml:",inline"`
	// Tags are the pub/sub topics a subscription binding listens on.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Filter names a predicate action applied to each subscription event.
	Filter      string `yaml:"filter,omitempty" json:"filter,omitempty"`
	NullIfError bool   `yaml:"nullIfError,omitempty" json:"nullIfError,omitempty"`
}

// ResolverSpec declares how a non-root field is resolved. Exactly one of
// Action and Value is meaningful; Value is passed through untouched.
type ResolverSpec struct {
	Action      string            `yaml:"action,omitempty" json:"action,omitempty"`
	Params      map[string]any    `yaml:"params,omitempty" json:"params,omitempty"`
	ArgParams   map[string]string `yaml:"argParams,omitempty" json:"argParams,omitempty"`
	RootParams  map[string]string `yaml:"rootParams,omitempty" json:"rootParams,omitempty"`
	MetaParams  map[string]string `yaml:"metaParams,omitempty" json:"metaParams,omitempty"`
	DataLoader  bool              `yaml:"dataLoader,omitempty" json:"dataLoader,omitempty"`
	NullIfError bool              `yaml:"nullIfError,omitempty" json:"nullIfError,omitempty"`
	Tags        []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Filter      string            `yaml:"filter,omitempty" json:"filter,omitempty"`
	Value       any               `yaml:"value,omitempty" json:"value,omitempty"`
}

// Decode parses one descriptor from YAML or JSON.
func Decode(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode service descriptor: %w", err)
	}
	if d.Name == "" {
		return Descriptor{}, fmt.Errorf("decode service descriptor: missing name")
	}
	return d, nil
}

// LoadFile reads a descriptor manifest from path.
func LoadFile(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	d, err := Decode(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return d, nil
}
