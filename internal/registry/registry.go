package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrNoMapping is returned when a topic has no registered dataset URN.
var ErrNoMapping = errors.New("no dataset mapping for topic")

// #region snapshot

// Snapshot is one immutable committed version of the registry.
// All lookups on a Snapshot are pure; consumers hold one snapshot
// for the duration of a record or window and never see partial updates.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time

	policies  map[string]DatasetPolicy // by URN
	schemas   map[string]*compiledSchema
	contracts map[string]ContractDef
	topicURN  map[string]string // topic -> URN
	producers map[string]string // topic -> producing service
}

type compiledSchema struct {
	version string
	schema  *jsonschema.Schema
}

// PolicyFor returns the policy for a dataset URN.
func (s *Snapshot) PolicyFor(urn string) (DatasetPolicy, bool) {
	p, ok := s.policies[urn]
	return p, ok
}

// Policies returns all registered policies.
func (s *Snapshot) Policies() []DatasetPolicy {
	out := make([]DatasetPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

// ResolveTopic maps a source topic to its canonical dataset URN.
func (s *Snapshot) ResolveTopic(topic string) (string, error) {
	urn, ok := s.topicURN[topic]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoMapping, topic)
	}
	return urn, nil
}

// ProducerFor returns the statically mapped producing service for a topic.
func (s *Snapshot) ProducerFor(topic string) (string, bool) {
	p, ok := s.producers[topic]
	return p, ok
}

// SchemaFor returns the compiled schema and its registered version for a URN.
func (s *Snapshot) SchemaFor(urn string) (*jsonschema.Schema, string, bool) {
	c, ok := s.schemas[urn]
	if !ok {
		return nil, "", false
	}
	return c.schema, c.version, true
}

// ContractFor returns the contract definition for a URN.
func (s *Snapshot) ContractFor(urn string) (ContractDef, bool) {
	c, ok := s.contracts[urn]
	return c, ok
}

// #endregion snapshot

// #region file-format

// datasetEntry is the YAML shape of one dataset in the registry file.
type datasetEntry struct {
	DatasetPolicy `yaml:",inline"`
	Schema        *SchemaBinding `yaml:"schema,omitempty"`
	Contract      *ContractDef   `yaml:"contract,omitempty"`
}

type registryFile struct {
	Datasets []datasetEntry `yaml:"datasets"`
}

// #endregion file-format

// #region registry

// Registry holds the current committed snapshot. Reload swaps it
// atomically; readers via Current never block a reload.
type Registry struct {
	path    string
	version atomic.Int64
	current atomic.Pointer[Snapshot]
}

// Load reads a registry YAML file and commits version 1.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and commits a new snapshot.
// On any error the previous snapshot stays active.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	snap, err := buildSnapshot(raw)
	if err != nil {
		return err
	}
	snap.Version = r.version.Add(1)
	snap.LoadedAt = time.Now().UTC()
	r.current.Store(snap)
	return nil
}

// Current returns the committed snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// buildSnapshot parses and validates the file, compiling all schemas.
func buildSnapshot(raw []byte) (*Snapshot, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	snap := &Snapshot{
		policies:  make(map[string]DatasetPolicy, len(file.Datasets)),
		schemas:   make(map[string]*compiledSchema),
		contracts: make(map[string]ContractDef),
		topicURN:  make(map[string]string, len(file.Datasets)),
		producers: make(map[string]string),
	}

	for _, ds := range file.Datasets {
		if ds.URN == "" {
			return nil, fmt.Errorf("dataset with topic %q missing urn", ds.Topic)
		}
		if !ds.Tier.Valid() {
			return nil, fmt.Errorf("dataset %s: invalid tier %d", ds.URN, ds.Tier)
		}
		if ds.GateStage == "" {
			// New datasets enter the rollout at visibility.
			ds.GateStage = StageVisibility
		}
		if ds.GateStage.Rank() < 0 {
			return nil, fmt.Errorf("dataset %s: invalid gate stage %q", ds.URN, ds.GateStage)
		}
		if ds.GateStage.Rank() > MaxStage(ds.Tier).Rank() {
			return nil, fmt.Errorf("dataset %s: stage %s exceeds tier %d cap %s",
				ds.URN, ds.GateStage, ds.Tier, MaxStage(ds.Tier))
		}
		if _, dup := snap.policies[ds.URN]; dup {
			return nil, fmt.Errorf("duplicate dataset urn %s", ds.URN)
		}
		snap.policies[ds.URN] = ds.DatasetPolicy
		if ds.Topic != "" {
			snap.topicURN[ds.Topic] = ds.URN
			if ds.Producer != "" {
				snap.producers[ds.Topic] = ds.Producer
			}
		}
		if ds.Contract != nil {
			snap.contracts[ds.URN] = *ds.Contract
		}
		if ds.Schema != nil {
			compiled, err := compileSchema(ds.URN, ds.Schema.JSON)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", ds.URN, err)
			}
			snap.schemas[ds.URN] = &compiledSchema{version: ds.Schema.Version, schema: compiled}
		}
	}
	return snap, nil
}

func compileSchema(urn, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	// The URN doubles as the resource URL; schemas never cross-reference.
	resource := "urn:schema:" + urn
	if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// #endregion registry
