package forms

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"opdtrack/internal/config"
)

// Requirement says whether an activity kind needs a quality-control form
// before it can be finished, and which form schema applies.
type Requirement struct {
	Required  bool
	SchemaRef string
}

// Registry maps normalized activity kinds to form requirements. It is
// read-only after NewRegistry and safe for concurrent use.
type Registry struct {
	entries map[string]Requirement
}

// NewRegistry builds a registry from the config form catalog.
func NewRegistry(cfg *config.Config) *Registry {
	entries := map[string]Requirement{}
	if cfg != nil {
		for kind, form := range cfg.Forms {
			entries[NormalizeKind(kind)] = Requirement{
				Required:  form.Required,
				SchemaRef: form.SchemaRef,
			}
		}
	}
	return &Registry{entries: entries}
}

// For returns the requirement for an activity kind. Unknown kinds need no
// form.
func (r *Registry) For(kind string) Requirement {
	if r == nil {
		return Requirement{}
	}
	return r.entries[NormalizeKind(kind)]
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeKind canonicalizes an activity kind for lookup: accents are
// stripped, letters uppercased and runs of whitespace collapsed, so
// "Liberação  comercial" and "LIBERACAO COMERCIAL" match the same entry.
func NormalizeKind(kind string) string {
	out, _, err := transform.String(stripAccents, kind)
	if err != nil {
		out = kind
	}
	return strings.Join(strings.Fields(strings.ToUpper(out)), " ")
}
