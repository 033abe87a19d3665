package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValues_PathLookup(t *testing.T) {
	v := Values{
		"name": "Main",
		"oauth": map[string]any{
			"access_token": "tok",
			"expires_in":   float64(1700000000),
		},
		"a.b": "literal",
	}

	assert.Equal(t, "tok", v.Path(nil, "oauth", "access_token"))
	assert.Equal(t, "fallback", v.Path("fallback", "oauth", "missing"))
	assert.Equal(t, "fallback", v.Path("fallback", "name", "nested"))
	assert.Equal(t, "literal", v.Path(nil, "a.b"))

	n, ok := v.Int64("oauth", "expires_in")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), n)

	assert.Equal(t, "Main", v.Get("name", ""))
	assert.Equal(t, "", v.Get("missing", ""))
}

func TestValues_SetPathAndClone(t *testing.T) {
	v := Values{}
	v.SetPath("x", "oauth", "code")
	assert.Equal(t, "x", v.String("oauth", "code"))

	clone := v.Clone()
	clone.SetPath("y", "oauth", "code")
	assert.Equal(t, "x", v.String("oauth", "code"))
	assert.Equal(t, "y", clone.String("oauth", "code"))
}

func TestDottedPath(t *testing.T) {
	assert.Equal(t, []string{"oauth", "access_token"}, DottedPath("oauth.access_token"))
	assert.Nil(t, DottedPath(""))
}

func TestNewPerson_DropsUnknownKeys(t *testing.T) {
	p := NewPerson(Values{
		"first_name": "Ann",
		"email":      "ann@example.com",
		"unknown":    "dropped",
		"meta":       map[string]any{"Favorite color": "blue"},
	})

	first, ok := p.Field(PersonFirstName)
	require.True(t, ok)
	assert.Equal(t, "Ann", first)

	_, ok = p.Field(PersonLastName)
	assert.False(t, ok)
	_, ok = p["unknown"]
	assert.False(t, ok)
	assert.Equal(t, "blue", p.Meta()["Favorite color"])
}

func TestAutomationJob_IsDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&AutomationJob{Status: JobPending, NextRetryAt: &past}).IsDue(now))
	assert.False(t, (&AutomationJob{Status: JobPending, NextRetryAt: &future}).IsDue(now))
	assert.False(t, (&AutomationJob{Status: JobDone, NextRetryAt: &past}).IsDue(now))
	assert.False(t, (&AutomationJob{Status: JobFailed}).IsDue(now))
}

func TestIntegrationSlice_Except(t *testing.T) {
	s := IntegrationSlice{{ID: "a"}, {ID: "b"}, nil}
	out := s.Except("a")
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}
