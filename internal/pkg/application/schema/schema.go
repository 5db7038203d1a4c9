package schema

import (
	"fmt"
	"io"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

type EdmType string

const (
	EdmString   EdmType = "Edm.String"
	EdmBoolean  EdmType = "Edm.Boolean"
	EdmInt32    EdmType = "Edm.Int32"
	EdmSingle   EdmType = "Edm.Single"
	EdmDouble   EdmType = "Edm.Double"
	EdmDateTime EdmType = "Edm.DateTime"
)

func (t EdmType) valid() bool {
	switch t {
	case EdmString, EdmBoolean, EdmInt32, EdmSingle, EdmDouble, EdmDateTime:
		return true
	}
	return false
}

type Multiplicity string

const (
	ZeroOrOne Multiplicity = "0..1"
	One       Multiplicity = "1"
	Many      Multiplicity = "*"
)

func (m Multiplicity) IsMany() bool {
	return m == Many
}

type Cardinality int

const (
	ManyToMany Cardinality = iota
	OneToOne
	OneToMany
	ManyToOne
)

func (c Cardinality) String() string {
	return [...]string{"many-to-many", "one-to-one", "one-to-many", "many-to-one"}[c]
}

type Property struct {
	Name     string  `yaml:"name"`
	Type     EdmType `yaml:"type"`
	Nullable *bool   `yaml:"nullable,omitempty"`
	Hidden   bool    `yaml:"hidden,omitempty"`
}

func (p Property) IsNullable() bool {
	return p.Nullable == nil || *p.Nullable
}

// NavigationProperty describes one end of a relationship. FromMultiplicity is the
// multiplicity of the declaring entity set, ToMultiplicity the one of the target.
type NavigationProperty struct {
	Name             string       `yaml:"name"`
	Target           string       `yaml:"target"`
	FromMultiplicity Multiplicity `yaml:"fromMultiplicity"`
	ToMultiplicity   Multiplicity `yaml:"toMultiplicity"`
	Partner          string       `yaml:"partner"`
}

func (n NavigationProperty) Cardinality() Cardinality {
	from, to := n.FromMultiplicity.IsMany(), n.ToMultiplicity.IsMany()

	switch {
	case from && to:
		return ManyToMany
	case !from && !to:
		return OneToOne
	case !from && to:
		return OneToMany
	}

	return ManyToOne
}

type EntitySet struct {
	Name                 string               `yaml:"name"`
	EntityType           string               `yaml:"entityType"`
	Open                 bool                 `yaml:"open,omitempty"`
	Key                  []string             `yaml:"key"`
	Properties           []Property           `yaml:"properties"`
	UniqueKeys           [][]string           `yaml:"uniqueKeys,omitempty"`
	NavigationProperties []NavigationProperty `yaml:"navigationProperties,omitempty"`

	properties map[string]*Property
	navigation map[string]*NavigationProperty
}

func (s *EntitySet) Property(name string) (*Property, bool) {
	p, ok := s.properties[name]
	return p, ok
}

func (s *EntitySet) NavigationProperty(name string) (*NavigationProperty, bool) {
	n, ok := s.navigation[name]
	return n, ok
}

// HasCompositeKey reports whether any key component names a related entity
func (s *EntitySet) HasCompositeKey() bool {
	for _, k := range s.Key {
		if _, _, ok := SplitNTKP(k); ok {
			return true
		}
	}
	return false
}

// SplitNTKP splits a key component like _Box.Name into its navigation property and
// the key property of the target. Chained components keep the remainder intact, so
// _EntityType._Box.Name yields EntityType and _Box.Name.
func SplitNTKP(component string) (string, string, bool) {
	if !strings.HasPrefix(component, "_") {
		return "", "", false
	}

	idx := strings.Index(component, ".")
	if idx < 2 || idx == len(component)-1 {
		return "", "", false
	}

	return component[1:idx], component[idx+1:], true
}

type Provider interface {
	EntitySet(name string) (*EntitySet, bool)
	NavigationProperty(entitySet, name string) (*NavigationProperty, bool)
	PropertyType(entitySet, name string) (EdmType, bool)
	UniqueKeys(entitySet string) [][]string
	EntitySets() []*EntitySet
}

type Schema struct {
	Sets []*EntitySet `yaml:"entitySets"`

	byName map[string]*EntitySet
}

func (s *Schema) EntitySet(name string) (*EntitySet, bool) {
	set, ok := s.byName[name]
	return set, ok
}

func (s *Schema) EntitySets() []*EntitySet {
	return s.Sets
}

func (s *Schema) NavigationProperty(entitySet, name string) (*NavigationProperty, bool) {
	set, ok := s.byName[entitySet]
	if !ok {
		return nil, false
	}
	return set.NavigationProperty(name)
}

func (s *Schema) PropertyType(entitySet, name string) (EdmType, bool) {
	set, ok := s.byName[entitySet]
	if !ok {
		return "", false
	}

	p, ok := set.Property(name)
	if !ok {
		return "", false
	}

	return p.Type, true
}

func (s *Schema) UniqueKeys(entitySet string) [][]string {
	set, ok := s.byName[entitySet]
	if !ok {
		return nil
	}
	return set.UniqueKeys
}

func Load(data io.Reader) (*Schema, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	s := &Schema{}
	err = yaml.Unmarshal(buf, s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	return s, s.index()
}

// New builds a schema from already constructed entity sets
func New(sets ...*EntitySet) (*Schema, error) {
	s := &Schema{Sets: sets}
	return s, s.index()
}

func (s *Schema) index() error {
	s.byName = make(map[string]*EntitySet, len(s.Sets))

	for _, set := range s.Sets {
		if set.Name == "" {
			return fmt.Errorf("entity set without a name")
		}
		if _, dup := s.byName[set.Name]; dup {
			return fmt.Errorf("entity set %s declared twice", set.Name)
		}
		if set.EntityType == "" {
			set.EntityType = set.Name
		}

		set.properties = make(map[string]*Property, len(set.Properties))
		for i := range set.Properties {
			p := &set.Properties[i]
			if !p.Type.valid() {
				return fmt.Errorf("property %s.%s has unsupported type %q", set.Name, p.Name, p.Type)
			}
			set.properties[p.Name] = p
		}

		set.navigation = make(map[string]*NavigationProperty, len(set.NavigationProperties))
		for i := range set.NavigationProperties {
			n := &set.NavigationProperties[i]
			set.navigation[n.Name] = n
		}

		s.byName[set.Name] = set
	}

	for _, set := range s.Sets {
		if err := s.validate(set); err != nil {
			return err
		}
	}

	return nil
}

func (s *Schema) validate(set *EntitySet) error {
	if len(set.Key) == 0 {
		return fmt.Errorf("entity set %s declares no key", set.Name)
	}

	for _, n := range set.NavigationProperties {
		target, ok := s.byName[n.Target]
		if !ok {
			return fmt.Errorf("navigation property %s.%s targets unknown entity set %s", set.Name, n.Name, n.Target)
		}

		for _, m := range []Multiplicity{n.FromMultiplicity, n.ToMultiplicity} {
			if m != ZeroOrOne && m != One && m != Many {
				return fmt.Errorf("navigation property %s.%s has invalid multiplicity %q", set.Name, n.Name, m)
			}
		}

		partner, ok := target.navigation[n.Partner]
		if !ok {
			return fmt.Errorf("navigation property %s.%s has no partner %s on %s", set.Name, n.Name, n.Partner, n.Target)
		}

		if partner.Target != set.Name || partner.FromMultiplicity != n.ToMultiplicity || partner.ToMultiplicity != n.FromMultiplicity {
			return fmt.Errorf("navigation property %s.%s does not mirror its partner %s.%s", set.Name, n.Name, n.Target, n.Partner)
		}
	}

	check := func(component string) error {
		if _, ok := set.properties[component]; ok {
			return nil
		}

		nav, rest, ok := SplitNTKP(component)
		if !ok {
			return fmt.Errorf("key component %s of %s is not a declared property", component, set.Name)
		}

		n, ok := set.navigation[nav]
		if !ok || n.ToMultiplicity.IsMany() {
			return fmt.Errorf("key component %s of %s does not name a to-one navigation property", component, set.Name)
		}

		target := s.byName[n.Target]
		for _, k := range target.Key {
			if k == rest {
				return nil
			}
		}

		return fmt.Errorf("key component %s of %s does not name a key of %s", component, set.Name, target.Name)
	}

	for _, k := range set.Key {
		if err := check(k); err != nil {
			return err
		}
	}

	for _, uk := range set.UniqueKeys {
		for _, k := range uk {
			if err := check(k); err != nil {
				return err
			}
		}
	}

	return nil
}
