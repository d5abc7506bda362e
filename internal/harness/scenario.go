package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end run: a set of tenants with memory offers, a
// list of steps executed in order, and assertions on the final journal.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tenants lists the tenants and the ids of their memory offers.
	Tenants []TenantSpec `yaml:"tenants"`

	// Securing overrides the securing batch settings.
	Securing SecuringSpec `yaml:"securing,omitempty"`

	// Steps run in order. Each step sets exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final journal and offers.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// TenantSpec declares one tenant.
type TenantSpec struct {
	ID     int      `yaml:"id"`
	Offers []string `yaml:"offers"`
}

// SecuringSpec mirrors securing.Config; zero values take the defaults.
type SecuringSpec struct {
	PageSize     int      `yaml:"page_size,omitempty"`
	BatchCeiling int      `yaml:"batch_ceiling,omitempty"`
	Tick         Duration `yaml:"tick,omitempty"`
	MaxSealDelay Duration `yaml:"max_seal_delay,omitempty"`
}

// Step is one action of a scenario.
type Step struct {
	// Ingest submits and drives ingest operations to a final status.
	Ingest *IngestStep `yaml:"ingest,omitempty"`

	// Abort records an operation that references objects and then fails.
	Abort *AbortStep `yaml:"abort,omitempty"`

	// Secure runs one securing tick.
	Secure *SecureStep `yaml:"secure,omitempty"`

	// Advance moves the scenario clock forward.
	Advance Duration `yaml:"advance,omitempty"`

	// Corrupt flips one byte of a stored object on one offer.
	Corrupt *CorruptStep `yaml:"corrupt,omitempty"`

	// Check runs the coherency check of one tenant.
	Check *CheckStep `yaml:"check,omitempty"`

	// CheckAll runs the coherency check of every tenant under a parent
	// operation.
	CheckAll *CheckAllStep `yaml:"check_all,omitempty"`
}

type IngestStep struct {
	Tenant     int `yaml:"tenant"`
	Operations int `yaml:"operations,omitempty"`
	Files      int `yaml:"files"`
	// Size is the size of each file in bytes.
	Size int `yaml:"size,omitempty"`
}

type AbortStep struct {
	Tenant  int `yaml:"tenant"`
	Objects int `yaml:"objects"`
}

type SecureStep struct {
	Expect *SecureExpect `yaml:"expect,omitempty"`
}

// SecureExpect checks the outcome of a securing tick.
type SecureExpect struct {
	Sealed  *int `yaml:"sealed,omitempty"`
	Skipped *int `yaml:"skipped,omitempty"`
	Failed  *int `yaml:"failed,omitempty"`
}

// CorruptStep targets either a segment or the n-th file ingested so far
// (counting from 0 across the whole scenario).
type CorruptStep struct {
	Tenant  int    `yaml:"tenant"`
	Offer   string `yaml:"offer"`
	Segment int64  `yaml:"segment,omitempty"`
	File    *int   `yaml:"file,omitempty"`
}

type CheckStep struct {
	Tenant int          `yaml:"tenant"`
	Expect *CheckExpect `yaml:"expect,omitempty"`
}

type CheckAllStep struct {
	Expect *CheckExpect `yaml:"expect,omitempty"`
}

// CheckExpect checks a coherency outcome. Code, Offer and Segment are
// compared against the first failure when set.
type CheckExpect struct {
	OK      bool   `yaml:"ok"`
	Code    string `yaml:"code,omitempty"`
	Offer   string `yaml:"offer,omitempty"`
	Segment int64  `yaml:"segment,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "segment_count": sealed segments recorded in the journal for Tenant
	// - "offer_segments": segments stored on Offer for Tenant
	// - "status_count": operations of Tenant in Status
	Type   string `yaml:"type"`
	Tenant int    `yaml:"tenant"`
	Offer  string `yaml:"offer,omitempty"`
	Status string `yaml:"status,omitempty"`
	Count  int    `yaml:"count"`
}

// Assertion type constants.
const (
	AssertSegmentCount  = "segment_count"
	AssertOfferSegments = "offer_segments"
	AssertStatusCount   = "status_count"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	tenants := make(map[int]bool, len(s.Tenants))
	for i, t := range s.Tenants {
		if tenants[t.ID] {
			return fmt.Errorf("tenants[%d]: tenant %d declared twice", i, t.ID)
		}
		tenants[t.ID] = true
		if len(t.Offers) == 0 {
			return fmt.Errorf("tenants[%d]: at least one offer is required", i)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		if err := validateStep(step, tenants); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, tenants); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, tenants map[int]bool) error {
	set := 0
	tenant := -1
	if step.Ingest != nil {
		set++
		tenant = step.Ingest.Tenant
		if step.Ingest.Files <= 0 {
			return fmt.Errorf("ingest needs files > 0")
		}
	}
	if step.Abort != nil {
		set++
		tenant = step.Abort.Tenant
		if step.Abort.Objects <= 0 {
			return fmt.Errorf("abort needs objects > 0")
		}
	}
	if step.Secure != nil {
		set++
	}
	if step.Advance != 0 {
		set++
		if step.Advance < 0 {
			return fmt.Errorf("advance must be positive")
		}
	}
	if step.Corrupt != nil {
		set++
		tenant = step.Corrupt.Tenant
		if (step.Corrupt.Segment > 0) == (step.Corrupt.File != nil) {
			return fmt.Errorf("corrupt needs exactly one of segment or file")
		}
	}
	if step.Check != nil {
		set++
		tenant = step.Check.Tenant
	}
	if step.CheckAll != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one action per step, got %d", set)
	}
	if tenant >= 0 && !tenants[tenant] {
		return fmt.Errorf("unknown tenant %d", tenant)
	}
	return nil
}

func validateAssertion(a Assertion, tenants map[int]bool) error {
	if !tenants[a.Tenant] {
		return fmt.Errorf("unknown tenant %d", a.Tenant)
	}
	if a.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	switch a.Type {
	case AssertSegmentCount:
	case AssertOfferSegments:
		if a.Offer == "" {
			return fmt.Errorf("offer is required for offer_segments")
		}
	case AssertStatusCount:
		if a.Status == "" {
			return fmt.Errorf("status is required for status_count")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
