package driver

import (
	"context"

	"github.com/convertful/integrations/internal/models"
)

// SubmitPersonAutomation is the single automation of create-or-update providers.
const SubmitPersonAutomation = "submit_person"

// PersonStore is the provider side of a create-or-update ESP. GetPerson
// returns a nil Person when the email is unknown to the provider.
type PersonStore interface {
	GetPerson(ctx context.Context, email string) (models.Person, error)
	CreatePerson(ctx context.Context, email string, data models.Person) error
	UpdatePerson(ctx context.Context, email string, data models.Person) error
}

// Standard gives a driver the submit_person automation on top of its
// PersonStore. Embed *Standard next to *Base.
type Standard struct {
	base    *Base
	store   PersonStore
	current models.Values
}

func NewStandard(base *Base, store PersonStore) *Standard {
	return &Standard{base: base, store: store}
}

// GetSubscriber looks a subscriber up by email.
func (s *Standard) GetSubscriber(ctx context.Context, email string) (models.Person, error) {
	return s.store.GetPerson(ctx, email)
}

// Automations declares submit_person with the driver's params schema.
func (s *Standard) Automations() []Automation {
	return []Automation{{
		Name:         SubmitPersonAutomation,
		Title:        "Submit person",
		ParamsFields: s.base.DescribeParamsFields(),
		Handler:      s.SubmitPerson,
	}}
}

// SubmitPerson creates the subscriber or updates the existing one. params
// are visible through CurrentParams while the call runs.
func (s *Standard) SubmitPerson(ctx context.Context, email string, params models.Values, data models.Person) error {
	s.current = params
	defer func() { s.current = nil }()

	existing, err := s.store.GetPerson(ctx, email)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.store.CreatePerson(ctx, email, data)
	}
	return s.store.UpdatePerson(ctx, email, data)
}

// CurrentParams returns the automation params of the running call, falling
// back to the driver's stored params outside of one.
func (s *Standard) CurrentParams() models.Values {
	if s.current != nil {
		return s.current
	}
	return s.base.Params()
}

// CurrentParam reads one value of CurrentParams.
func (s *Standard) CurrentParam(def any, path ...string) any {
	return s.CurrentParams().Path(def, path...)
}
