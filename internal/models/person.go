package models

// Canonical person data keys.
const (
	PersonFirstName = "first_name"
	PersonLastName  = "last_name"
	PersonName      = "name"
	PersonPhone     = "phone"
	PersonCompany   = "company"
	PersonSite      = "site"
	PersonEmail     = "email"
	PersonMeta      = "meta"
)

// PersonKeys lists the recognized person data keys in display order.
var PersonKeys = []string{
	PersonFirstName,
	PersonLastName,
	PersonName,
	PersonPhone,
	PersonCompany,
	PersonSite,
	PersonEmail,
}

// Person is the provider-agnostic representation of a contact.
// Custom fields live under "meta", keyed by their human label.
// Absent keys mean "unknown", never "empty".
type Person Values

// NewPerson builds person data from the recognized keys of v, copying meta.
// Unknown keys are dropped.
func NewPerson(v Values) Person {
	p := Person{}
	for _, key := range PersonKeys {
		if val, ok := v[key]; ok && val != nil {
			p[key] = Stringify(val)
		}
	}
	if meta := v.Map(PersonMeta); len(meta) > 0 {
		p[PersonMeta] = map[string]any(meta.Clone())
	}
	return p
}

// Field returns a recognized field and whether it is set.
func (p Person) Field(key string) (string, bool) {
	val, ok := p[key]
	if !ok || val == nil {
		return "", false
	}
	return Stringify(val), true
}

// Meta returns custom fields keyed by label.
func (p Person) Meta() Values {
	return Values(p).Map(PersonMeta)
}

// SetMeta stores one custom field value under its label.
func (p Person) SetMeta(label string, value any) {
	Values(p).SetPath(value, PersonMeta, label)
}

// Values exposes the person as a plain value map.
func (p Person) Values() Values {
	return Values(p)
}
