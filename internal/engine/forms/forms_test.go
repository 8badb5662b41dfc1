package forms_test

import (
	"testing"

	"opdtrack/internal/config"
	"opdtrack/internal/engine/forms"
)

func TestNormalizeKind(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"PREPARAÇÃO", "PREPARACAO"},
		{"preparacao", "PREPARACAO"},
		{"Liberação  comercial", "LIBERACAO COMERCIAL"},
		{"  LIBERAÇÃO E EMBARQUE ", "LIBERACAO E EMBARQUE"},
		{"MONTAGEM", "MONTAGEM"},
	}
	for _, tc := range cases {
		if got := forms.NormalizeKind(tc.in); got != tc.want {
			t.Fatalf("NormalizeKind(%q): want %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := forms.NewRegistry(config.Default("test-shop"))

	for _, kind := range []string{"PREPARAÇÃO", "preparacao", "Preparação"} {
		req := reg.For(kind)
		if !req.Required {
			t.Fatalf("For(%q): want required", kind)
		}
		if req.SchemaRef == "" {
			t.Fatalf("For(%q): want schema_ref", kind)
		}
	}

	if req := reg.For("MONTAGEM"); req.Required {
		t.Fatalf("unknown kind should not require a form")
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *forms.Registry
	if req := reg.For("PREPARAÇÃO"); req.Required {
		t.Fatalf("nil registry should require nothing")
	}
}
