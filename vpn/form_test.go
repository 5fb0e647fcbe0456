package vpn

import "testing"

func TestFormResolver_ResolveField(t *testing.T) {
	entry := &Entrypoint{Username: "alice", Password: "secret"}
	saved := map[FormKey]string{
		{FormID: "main", OptionID: "group_list"}: "ops",
		{FormID: "main", OptionID: "tz"}:         "UTC",
		{FormID: "main", OptionID: "realm"}:      "gone",
	}

	tests := []struct {
		name   string
		opt    FormOption
		entry  *Entrypoint
		want   string
		wantOK bool
	}{
		{"username", FormOption{Name: "username", Type: FieldText}, entry, "alice", true},
		{"user alias", FormOption{Name: "USER", Type: FieldText}, entry, "alice", true},
		{"uname alias", FormOption{Name: "uname", Type: FieldText}, entry, "alice", true},
		{"other text", FormOption{Name: "answer", Type: FieldText}, entry, "", false},
		{"no username", FormOption{Name: "username", Type: FieldText}, &Entrypoint{}, "", false},
		{"password", FormOption{Name: "password", Type: FieldPassword}, entry, "secret", true},
		{"any password field", FormOption{Name: "secondary_password", Type: FieldPassword}, entry, "secret", true},
		{"no password", FormOption{Name: "password", Type: FieldPassword}, &Entrypoint{}, "", false},
		{"token", FormOption{Name: "otp", Type: FieldToken}, nil, "", true},
		{"saved select", FormOption{Name: "group_list", Type: FieldSelect, Choices: []string{"staff", "ops"}}, entry, "ops", true},
		{"stale select", FormOption{Name: "realm", Type: FieldSelect, Choices: []string{"a", "b"}}, entry, "", false},
		{"saved hidden", FormOption{Name: "tz", Type: FieldHidden}, entry, "UTC", true},
		{"unsaved hidden", FormOption{Name: "csrf", Type: FieldHidden}, entry, "", false},
	}

	r := NewFormResolver()
	r.Reset(saved)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.ResolveField("main", &tt.opt, tt.entry)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ResolveField() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFormResolver_EmptyRounds(t *testing.T) {
	r := NewFormResolver()
	unanswerable := func() *AuthForm {
		return &AuthForm{ID: "challenge", Options: []*FormOption{{Name: "answer", Type: FieldText}}}
	}
	answerable := &AuthForm{ID: "main", Options: []*FormOption{{Name: "password", Type: FieldPassword}}}
	entry := &Entrypoint{Password: "secret"}

	if got := r.Process(unanswerable(), entry); got != FormOK {
		t.Fatalf("round 1 = %v, want FormOK", got)
	}
	if got := r.Process(unanswerable(), entry); got != FormOK {
		t.Fatalf("round 2 = %v, want FormOK", got)
	}

	// An answered round resets the counter.
	if got := r.Process(answerable, entry); got != FormOK {
		t.Fatalf("answered round = %v, want FormOK", got)
	}
	if r.EmptyRounds() != 0 {
		t.Fatalf("EmptyRounds() = %d, want 0", r.EmptyRounds())
	}
	if answerable.Options[0].Value != "secret" {
		t.Errorf("password value = %q, want secret", answerable.Options[0].Value)
	}

	for i := 1; i < 3; i++ {
		if got := r.Process(unanswerable(), entry); got != FormOK {
			t.Fatalf("round %d = %v, want FormOK", i, got)
		}
	}
	if got := r.Process(unanswerable(), entry); got != FormCancelled {
		t.Fatalf("third empty round = %v, want FormCancelled", got)
	}

	r.Reset(nil)
	if r.EmptyRounds() != 0 {
		t.Errorf("EmptyRounds() after Reset = %d, want 0", r.EmptyRounds())
	}
}

func TestFormResolver_TokenCountsAsAnswered(t *testing.T) {
	r := NewFormResolver()
	form := &AuthForm{ID: "otp", Options: []*FormOption{{Name: "token", Type: FieldToken, Value: "engine"}}}

	for range 5 {
		if got := r.Process(form, nil); got != FormOK {
			t.Fatalf("Process() = %v, want FormOK", got)
		}
	}
	if form.Options[0].Value != "engine" {
		t.Errorf("token value overwritten: %q", form.Options[0].Value)
	}
}
