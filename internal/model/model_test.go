package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestCandidateValidate(t *testing.T) {
	base := Candidate{Title: "Jazz Night", OriginalURL: "https://example.com/e/1", Source: SourceEventbrite, ExternalID: "1"}

	tests := []struct {
		name   string
		mutate func(c *Candidate)
		want   error
	}{
		{"valid", func(c *Candidate) {}, nil},
		{"blank title", func(c *Candidate) { c.Title = "   " }, ErrMissingTitle},
		{"missing url", func(c *Candidate) { c.OriginalURL = "" }, ErrMissingURL},
		{"unknown source", func(c *Candidate) { c.Source = "facebook" }, ErrUnknownSource},
		{"unsupported meetup source", func(c *Candidate) { c.Source = "meetup" }, ErrUnknownSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Music ", "", "music", "Music", "things-to-do"})
	want := []string{"Music", "music", "things-to-do"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Source: SourceTimeOut, ExternalID: "jazz-night"}
	if k.String() != "timeout/jazz-night" {
		t.Fatalf("unexpected key string %q", k.String())
	}
}
