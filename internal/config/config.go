package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"growline/internal/stage"
)

// Field types accepted by the transition registry.
const (
	TypeDate     = "date"
	TypeNumber   = "number"
	TypeText     = "text"
	TypeCheckbox = "checkbox"
	TypeSelect   = "select"
)

// SourceUsers marks a select field populated from the user directory
// rather than a lookup category.
const SourceUsers = "users"

// Config models growline.yml.
type Config struct {
	Facility struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"facility" json:"facility"`
	Lookups struct {
		Categories map[string]struct {
			Description string `yaml:"description" json:"description"`
		} `yaml:"categories" json:"categories"`
	} `yaml:"lookups" json:"lookups"`
	// Transitions is the field requirement registry, keyed
	// "{from}_to_{to}". It is static configuration: the committer
	// validates every transition payload against it.
	Transitions map[string]TransitionRequirements `yaml:"transitions" json:"transitions"`
	RBAC        struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type TransitionRequirements struct {
	Required []FieldDef `yaml:"required" json:"required"`
	Optional []FieldDef `yaml:"optional" json:"optional"`
}

type FieldDef struct {
	Field  string `yaml:"field" json:"field"`
	Label  string `yaml:"label" json:"label"`
	Type   string `yaml:"type" json:"type"`
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Requirements returns the registry entry for a from→to pair. The
// second result is false when the pair is not declared; an undeclared
// transition carries no field requirements.
func (c *Config) Requirements(from, to string) (TransitionRequirements, bool) {
	req, ok := c.Transitions[stage.TransitionKey(from, to)]
	return req, ok
}

var validTypes = map[string]bool{
	TypeDate:     true,
	TypeNumber:   true,
	TypeText:     true,
	TypeCheckbox: true,
	TypeSelect:   true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.Facility.Kind != "cultivation-facility" {
		return fmt.Errorf("config.facility.kind must be 'cultivation-facility'")
	}
	if c.Transitions == nil {
		return fmt.Errorf("config.transitions is required")
	}
	for key, req := range c.Transitions {
		if err := validateTransitionKey(key); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, def := range append(append([]FieldDef{}, req.Required...), req.Optional...) {
			if def.Field == "" {
				return fmt.Errorf("transition %s has a field def without a field name", key)
			}
			if seen[def.Field] {
				return fmt.Errorf("transition %s declares field %s twice", key, def.Field)
			}
			seen[def.Field] = true
			if !validTypes[def.Type] {
				return fmt.Errorf("transition %s field %s has unknown type %q", key, def.Field, def.Type)
			}
			if def.Source != "" && def.Type != TypeSelect {
				return fmt.Errorf("transition %s field %s: source only applies to select fields", key, def.Field)
			}
			if def.Source != "" && def.Source != SourceUsers && len(c.Lookups.Categories) > 0 {
				if _, ok := c.Lookups.Categories[def.Source]; !ok {
					return fmt.Errorf("transition %s field %s references unknown lookup category %s", key, def.Field, def.Source)
				}
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func validateTransitionKey(key string) error {
	for _, from := range stage.All() {
		if stage.IsTerminal(from) {
			continue
		}
		to, _ := stage.Next(from)
		if key == stage.TransitionKey(from, to) {
			return nil
		}
	}
	return fmt.Errorf("config.transitions key %s is not a forward stage pair", key)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "growline.yml")
}

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, facilityID))).Decode(&cfg)
	cfg.Facility.ID = facilityID
	cfg.Facility.Kind = "cultivation-facility"
	return &cfg
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

const defaultTemplate = `facility:
  id: %s
  kind: cultivation-facility

lookups:
  categories:
    clonators:
      description: "Clonator units in the propagation room"
    rooms:
      description: "Vegetative and flowering grow rooms"
    drying_rooms:
      description: "Drying and processing rooms"
    storage_locations:
      description: "Vault and storage locations"

transitions:
  preclone_to_clone_germination:
    required:
      - {field: germination_date, label: "Germination date", type: date}
      - {field: total_clones_plants, label: "Total clones/plants", type: number}
      - {field: mother_no, label: "Mother plant no.", type: text}
    optional:
      - {field: clonator_no, label: "Clonator", type: select, source: clonators}
      - {field: germination_operator, label: "Operator", type: select, source: users}

  clone_germination_to_hardening:
    required:
      - {field: hardening_date, label: "Moved to hardening", type: date}
      - {field: hardening_number_clones, label: "Clones moved", type: number}
    optional:
      - {field: days_in_clonator, label: "Days in clonator", type: number}
      - {field: clonator_mortalities, label: "Clonator mortalities", type: number}
      - {field: hardening_operator, label: "Operator", type: select, source: users}

  hardening_to_vegetative:
    required:
      - {field: veg_date, label: "Moved to vegetative", type: date}
      - {field: veg_number_plants, label: "Plants moved", type: number}
    optional:
      - {field: veg_room, label: "Vegetative room", type: select, source: rooms}
      - {field: hardening_mortalities, label: "Hardening mortalities", type: number}

  vegetative_to_flowering_grow_room:
    required:
      - {field: flowering_date, label: "Moved to flowering", type: date}
      - {field: flowering_number_plants, label: "Plants moved", type: number}
    optional:
      - {field: grow_room, label: "Grow room", type: select, source: rooms}
      - {field: veg_mortalities, label: "Vegetative mortalities", type: number}

  flowering_grow_room_to_preharvest:
    required:
      - {field: preharvest_date, label: "Preharvest start", type: date}
    optional:
      - {field: preharvest_inspector, label: "Inspector", type: select, source: users}
      - {field: pest_check_passed, label: "Pest check passed", type: checkbox}

  preharvest_to_harvest:
    required:
      - {field: harvest_date, label: "Harvest date", type: date}
      - {field: harvest_number_plants, label: "Plants harvested", type: number}
    optional:
      - {field: harvest_supervisor, label: "Supervisor", type: select, source: users}

  harvest_to_processing_drying:
    required:
      - {field: drying_date, label: "Moved to drying", type: date}
      - {field: wet_weight_g, label: "Wet weight (g)", type: number}
    optional:
      - {field: drying_room, label: "Drying room", type: select, source: drying_rooms}

  processing_drying_to_packing_storage:
    required:
      - {field: packing_date, label: "Packing date", type: date}
      - {field: dry_weight_g, label: "Dry weight (g)", type: number}
      - {field: package_count, label: "Packages", type: number}
    optional:
      - {field: storage_location, label: "Storage location", type: select, source: storage_locations}
      - {field: qa_approved, label: "QA approved", type: checkbox}

rbac:
  roles:
    owner:
      description: "Facility owner"
      permissions:
        - batch.create
        - batch.read
        - batch.update
        - batch.transition
        - task.create
        - task.read
        - task.update
        - task.approve
        - template.manage
        - mapping.manage
        - lookup.manage
        - rbac.manage
    cultivator:
      description: "Grow room operator"
      permissions:
        - batch.read
        - batch.update
        - batch.transition
        - task.create
        - task.read
        - task.update
    qa:
      description: "Quality assurance"
      permissions:
        - batch.read
        - task.read
        - task.approve
    viewer:
      description: "Read-only access"
      permissions:
        - batch.read
        - task.read
`
