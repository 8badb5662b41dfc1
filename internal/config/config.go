package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models opdtrack.yml: the shop identity, the standard activity
// checklist seeded into new work orders, and the per-kind quality-control
// form requirements that gate finalization.
type Config struct {
	Shop struct {
		Name string `yaml:"name"`
	} `yaml:"shop"`
	Checklist []ChecklistEntry `yaml:"checklist"`
	Forms     map[string]Form  `yaml:"forms"`
	Webhooks  []WebhookConfig  `yaml:"webhooks"`
}

// ChecklistEntry is one standard activity created for every new work order.
type ChecklistEntry struct {
	Kind string `yaml:"kind"`
	Crew string `yaml:"crew"`
	Seq  int    `yaml:"seq"`
}

// Form declares the quality-control form requirement for an activity kind.
// Keys are matched after normalization (case and accents are ignored).
type Form struct {
	Required  bool   `yaml:"required"`
	SchemaRef string `yaml:"schema_ref"`
}

// WebhookConfig declares one log-event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shop.Name == "" {
		return fmt.Errorf("config.shop.name is required")
	}
	if len(c.Checklist) == 0 {
		return fmt.Errorf("config.checklist is required")
	}
	seen := map[int]string{}
	for i, entry := range c.Checklist {
		if entry.Kind == "" {
			return fmt.Errorf("checklist entry %d has empty kind", i)
		}
		if entry.Seq <= 0 {
			return fmt.Errorf("checklist entry %s needs a positive seq", entry.Kind)
		}
		if prev, dup := seen[entry.Seq]; dup {
			return fmt.Errorf("checklist seq %d used by both %s and %s", entry.Seq, prev, entry.Kind)
		}
		seen[entry.Seq] = entry.Kind
	}
	for kind, form := range c.Forms {
		if kind == "" {
			return fmt.Errorf("config.forms contains empty kind")
		}
		if form.Required && form.SchemaRef == "" {
			return fmt.Errorf("form for %s is required but has no schema_ref", kind)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opdtrack.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with opd config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(shopName string) string {
	return fmt.Sprintf(defaultTemplate, shopName)
}

// Default returns the default Config struct for a shop.
func Default(shopName string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, shopName)), &cfg)
	return &cfg
}

const defaultTemplate = `shop:
  name: %s

checklist:
  - {kind: "LIBERAÇÃO COMERCIAL", crew: COMERCIAL, seq: 1}
  - {kind: "LIBERAÇÃO FINANCEIRA", crew: FINANCEIRO, seq: 2}
  - {kind: "DEFINIÇÃO DA OBRA CIVIL", crew: PCP, seq: 3}
  - {kind: "REUNIÃO DE START 1", crew: PCP, seq: 4}
  - {kind: "ENGENHARIA (MEC)", crew: "ENGENHARIA (MEC)", seq: 5}
  - {kind: "ENGENHARIA (ELE/HID)", crew: "ENGENHARIA (ELE/HID)", seq: 6}
  - {kind: "REVISÃO FINAL DE PROJETOS", crew: PCP, seq: 7}
  - {kind: "REUNIÃO DE START 2", crew: PCP, seq: 8}
  - {kind: "PROGRAMAÇÃO DAS LINHAS", crew: PCP, seq: 9}
  - {kind: "RESERVAS DE COMP/FAB", crew: PCP, seq: 10}
  - {kind: "IMPRIMIR LISTAS E PLANOS", crew: PCP, seq: 11}
  - {kind: "ASSINATURA DOS PLANOS DE CORTE", crew: ENGENHARIA, seq: 12}
  - {kind: "IMPRIMIR OF/ETIQUETA", crew: PCP, seq: 13}
  - {kind: "PROGRAMAÇÃO DE CORTE", crew: PCP, seq: 14}
  - {kind: "ENTREGAR OF'S/LISTAS PARA ALMOX", crew: PCP, seq: 15}
  - {kind: "SEPARAR LISTAS PARA A PRODUÇÃO", crew: PCP, seq: 16}
  - {kind: "PRODUÇÃO", crew: PRODUÇÃO, seq: 17}
  - {kind: "EXPEDIÇÃO", crew: EXPEDIÇÃO, seq: 18}
  - {kind: "LIBERAÇÃO E EMBARQUE", crew: EXPEDIÇÃO, seq: 19}
  - {kind: "PREPARAÇÃO", crew: INSTALAÇÃO, seq: 20}
  - {kind: "DESEMBARQUE E PRÉ-INSTALAÇÃO", crew: INSTALAÇÃO, seq: 21}
  - {kind: "INSTALAÇÃO", crew: INSTALAÇÃO, seq: 22}
  - {kind: "ENTREGA", crew: INSTALAÇÃO, seq: 23}

forms:
  "LIBERAÇÃO COMERCIAL":
    required: true
    schema_ref: liberacao-comercial
  "REUNIÃO DE START 1":
    required: true
    schema_ref: reuniao-start
  "REUNIÃO DE START 2":
    required: true
    schema_ref: reuniao-start2
  "LIBERAÇÃO E EMBARQUE":
    required: true
    schema_ref: liberacao-embarque
  "PREPARAÇÃO":
    required: true
    schema_ref: preparacao
  "DESEMBARQUE E PRÉ-INSTALAÇÃO":
    required: true
    schema_ref: desembarque
  "ENTREGA":
    required: true
    schema_ref: entrega
`
