// Package config loads the coffer configuration file.
//
// A file is validated against the embedded CUE schema before it is decoded,
// so unknown keys and out-of-range values are reported with their position
// in the file. Anything the file leaves out takes the value from Default.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/coffer/internal/cluster"
)

//go:embed schema.cue
var schemaCUE string

// Cluster modes.
const (
	ModeStatic = "static"
	ModeLease  = "lease"
)

// Config is the full configuration of one coffer node.
type Config struct {
	Database  string    `yaml:"database"`
	Workspace string    `yaml:"workspace"`
	Node      string    `yaml:"node"`
	Cluster   Cluster   `yaml:"cluster"`
	Securing  Securing  `yaml:"securing"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Coherency Coherency `yaml:"coherency"`
	Storage   Storage   `yaml:"storage"`
	Tenants   []Tenant  `yaml:"tenants"`
}

// Cluster selects how jobs are assigned to nodes.
type Cluster struct {
	Mode     string        `yaml:"mode"`
	Jobs     []string      `yaml:"jobs"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type Securing struct {
	PageSize     int           `yaml:"page_size"`
	BatchCeiling int           `yaml:"batch_ceiling"`
	Tick         time.Duration `yaml:"tick"`
	MaxSealDelay time.Duration `yaml:"max_seal_delay"`
	Delay        time.Duration `yaml:"delay"`
}

type Lifecycle struct {
	InitTimeout      time.Duration `yaml:"init_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	SuccessRetention time.Duration `yaml:"success_retention"`
	FailureRetention time.Duration `yaml:"failure_retention"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

type Coherency struct {
	Interval     time.Duration `yaml:"interval"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChildTimeout time.Duration `yaml:"child_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AbandonGrace time.Duration `yaml:"abandon_grace"`
	MaxInFlight  int           `yaml:"max_in_flight"`
	AdminTenant  int           `yaml:"admin_tenant"`
}

type Storage struct {
	// PoolSize bounds concurrent offer I/O. Zero means 2 × NumCPU.
	PoolSize  int `yaml:"pool_size"`
	MaxOffers int `yaml:"max_offers"`
}

// Tenant lists the filesystem offers of one tenant.
type Tenant struct {
	ID     int     `yaml:"id"`
	Offers []Offer `yaml:"offers"`
}

type Offer struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	tick := time.Hour
	return Config{
		Database:  "coffer.db",
		Workspace: "workspace",
		Cluster: Cluster{
			Mode:     ModeStatic,
			Jobs:     []string{cluster.JobSecuring, cluster.JobCoherency, cluster.JobRetry, cluster.JobCleanup},
			LeaseTTL: 2 * time.Minute,
		},
		Securing: Securing{
			PageSize:     1000,
			BatchCeiling: 100_000,
			Tick:         tick,
			MaxSealDelay: 24*time.Hour - tick,
		},
		Lifecycle: Lifecycle{
			InitTimeout:      time.Hour,
			RunTimeout:       2 * time.Hour,
			SuccessRetention: 6 * time.Hour,
			FailureRetention: 72 * time.Hour,
			RetryInterval:    5 * time.Minute,
			CleanupInterval:  time.Hour,
		},
		Coherency: Coherency{
			Interval:     24 * time.Hour,
			ChunkSize:    1000,
			ChildTimeout: 15 * time.Minute,
			PollInterval: time.Second,
			AbandonGrace: 5 * time.Second,
			MaxInFlight:  4,
		},
		Storage: Storage{
			PoolSize:  2 * runtime.NumCPU(),
			MaxOffers: 8,
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it over Default.
// name is used in error positions.
func Parse(name string, data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	if err := validate(name, data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	explicitDelay := hasMaxSealDelay(data)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// max_seal_delay follows tick unless the file pins it.
	if !explicitDelay {
		cfg.Securing.MaxSealDelay = 24*time.Hour - cfg.Securing.Tick
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(name string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil), Err: err}
	}
	return nil
}

func hasMaxSealDelay(data []byte) bool {
	var raw struct {
		Securing struct {
			MaxSealDelay *string `yaml:"max_seal_delay"`
		} `yaml:"securing"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false
	}
	return raw.Securing.MaxSealDelay != nil
}

// check covers the rules the schema cannot express.
func (c Config) check() error {
	var errs []error
	if c.Securing.MaxSealDelay <= 0 {
		errs = append(errs, fmt.Errorf("securing.max_seal_delay must be positive, got %s", c.Securing.MaxSealDelay))
	}
	seen := make(map[int]bool)
	for _, t := range c.Tenants {
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("tenant %d listed twice", t.ID))
		}
		seen[t.ID] = true
		if len(t.Offers) > c.Storage.MaxOffers {
			errs = append(errs, fmt.Errorf("tenant %d has %d offers, at most %d allowed", t.ID, len(t.Offers), c.Storage.MaxOffers))
		}
		ids := make(map[string]bool)
		for _, o := range t.Offers {
			if ids[o.ID] {
				errs = append(errs, fmt.Errorf("tenant %d: offer %q listed twice", t.ID, o.ID))
			}
			ids[o.ID] = true
		}
	}
	if err := errors.Join(errs...); err != nil {
		return &ValidationError{Details: err.Error(), Err: err}
	}
	return nil
}

// ValidationError reports a configuration rejected by the schema or by the
// cross-field rules.
type ValidationError struct {
	Details string
	Err     error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Details
}

func (e *ValidationError) Unwrap() error { return e.Err }
