package vpn

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/yllada/ocvpn/common"
)

var usernameFields = []string{"user", "username", "uname"}

// FormResolver answers authentication forms from the current entrypoint.
// It never blocks: anything it cannot answer from memory stays unanswered.
// After MaxEmptyForms consecutive rounds without a single answer it cancels
// the login so the engine does not re-prompt forever.
type FormResolver struct {
	mu          sync.Mutex
	limit       int
	emptyRounds int
	saved       map[FormKey]string
}

// NewFormResolver creates a resolver with the default empty-round limit.
func NewFormResolver() *FormResolver {
	return &FormResolver{
		limit: common.MaxEmptyForms,
		saved: make(map[FormKey]string),
	}
}

// Reset clears the empty-round counter and replaces the saved answers.
// It runs at the start of every connection attempt.
func (r *FormResolver) Reset(saved map[FormKey]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emptyRounds = 0
	r.saved = maps.Clone(saved)
	if r.saved == nil {
		r.saved = make(map[FormKey]string)
	}
}

// EmptyRounds returns the current count of consecutive unanswered rounds.
func (r *FormResolver) EmptyRounds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyRounds
}

// ResolveField answers a single field. ok is false when the field is left
// for the engine to treat as unanswered.
func (r *FormResolver) ResolveField(formID string, opt *FormOption, entry *Entrypoint) (value string, ok bool) {
	if entry == nil {
		entry = &Entrypoint{}
	}

	switch opt.Type {
	case FieldText:
		if slices.Contains(usernameFields, strings.ToLower(opt.Name)) && entry.Username != "" {
			return entry.Username, true
		}
	case FieldPassword:
		if entry.Password != "" {
			return entry.Password, true
		}
	case FieldToken:
		// Generated by the engine itself.
		return "", true
	case FieldHidden, FieldSelect:
		r.mu.Lock()
		saved, found := r.saved[FormKey{FormID: formID, OptionID: opt.Name}]
		r.mu.Unlock()
		if !found {
			return "", false
		}
		if opt.Type == FieldSelect && len(opt.Choices) > 0 && !slices.Contains(opt.Choices, saved) {
			common.LogWarn("Saved answer %q for %s/%s is not offered by the server", saved, formID, opt.Name)
			return "", false
		}
		return saved, true
	}
	return "", false
}

// Process answers every field of form in place and applies the
// empty-round policy.
func (r *FormResolver) Process(form *AuthForm, entry *Entrypoint) FormResult {
	answered := 0
	for _, opt := range form.Options {
		value, ok := r.ResolveField(form.ID, opt, entry)
		if !ok {
			common.LogDebug("Form %s: no answer for %s field %q", form.ID, opt.Type, opt.Name)
			continue
		}
		if opt.Type != FieldToken {
			opt.Value = value
		}
		answered++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if answered > 0 {
		r.emptyRounds = 0
		return FormOK
	}

	r.emptyRounds++
	if r.emptyRounds >= r.limit {
		common.LogWarn("Form %s left unanswered %d times in a row, cancelling login", form.ID, r.emptyRounds)
		return FormCancelled
	}
	return FormOK
}
