package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var knownEntities = []string{"event", "task", "recipe", "shift", "employee", "inventory_item", "menu", "order"}

func TestMatchesEmptyFiltersSubscribeToEverything(t *testing.T) {
	w := &Webhook{Status: StatusActive}

	assert.True(t, w.Matches(EventCreated, "task"))
	assert.True(t, w.Matches(EventDeleted, "order"))
}

func TestMatchesRespectsFilters(t *testing.T) {
	w := &Webhook{
		Status:           StatusActive,
		EventTypeFilters: StringList{"created", "updated"},
		EntityFilters:    StringList{"task"},
	}

	assert.True(t, w.Matches(EventCreated, "task"))
	assert.False(t, w.Matches(EventDeleted, "task"))
	assert.False(t, w.Matches(EventCreated, "order"))
}

func TestMatchesRejectsInactiveAndDeleted(t *testing.T) {
	for _, status := range []Status{StatusInactive, StatusDisabled} {
		w := &Webhook{Status: status}
		assert.False(t, w.Matches(EventCreated, "task"), "status %s must not match", status)
	}

	now := time.Now()
	deleted := &Webhook{Status: StatusActive, DeletedAt: &now}
	assert.False(t, deleted.Matches(EventCreated, "task"))
}

func TestMaskedHidesCredentials(t *testing.T) {
	w := Webhook{Secret: "ciphertext", APIKey: "ciphertext"}
	masked := w.Masked()

	assert.Equal(t, "***", masked.Secret)
	assert.Equal(t, "***", masked.APIKey)
	// Unset credentials stay empty rather than pretending one exists.
	empty := Webhook{}.Masked()
	assert.Empty(t, empty.Secret)
	assert.Empty(t, empty.APIKey)
}

func TestValidateURL(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/hook", true},
		{"http://example.com/hook", true},
		{"ftp://example.com/hook", false},
		{"example.com/hook", false},
		{"https://", false},
		{"", false},
	}
	for _, tc := range cases {
		in := Input{URL: tc.url}
		err := in.Validate(knownEntities)
		if tc.ok {
			assert.NoError(t, err, "url %q", tc.url)
		} else {
			assert.ErrorIs(t, err, ErrInvalidURL, "url %q", tc.url)
		}
	}
}

func TestValidateFilters(t *testing.T) {
	in := Input{URL: "https://example.com", EventTypeFilters: []string{"created", "exploded"}}
	assert.ErrorIs(t, in.Validate(knownEntities), ErrInvalidEventType)

	in = Input{URL: "https://example.com", EntityFilters: []string{"task", "spaceship"}}
	assert.ErrorIs(t, in.Validate(knownEntities), ErrInvalidEntityType)

	in = Input{
		URL:              "https://example.com",
		EventTypeFilters: []string{"created", "updated", "deleted"},
		EntityFilters:    []string{"task", "order"},
	}
	assert.NoError(t, in.Validate(knownEntities))
}

func TestInputDefaults(t *testing.T) {
	in := Input{}
	assert.Equal(t, 3, in.retryCount())
	assert.Equal(t, 1000, in.retryDelayMs())
	assert.Equal(t, 30000, in.timeoutMs())

	five := 5
	zero := 0
	in = Input{RetryCount: &five, RetryDelayMs: &zero, TimeoutMs: &five}
	assert.Equal(t, 5, in.retryCount())
	assert.Equal(t, 0, in.retryDelayMs())
	assert.Equal(t, 5, in.timeoutMs())
}
