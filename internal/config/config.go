package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskflow.yml: the flow definitions, the tag->flow priority
// list, the per-kind defaults, the aggregation rules and the cleanup
// retention tag set. It is parsed once at startup and immutable afterwards.
type Config struct {
	Flows         map[string]FlowConfig `yaml:"flows"`
	TagFlows      []TagRule             `yaml:"tag_flows"`
	Defaults      map[string]string     `yaml:"defaults"`
	Aggregation   []AggregationRule     `yaml:"aggregation"`
	RetentionTags []string              `yaml:"retention_tags"`
}

// FlowConfig is one named workflow as written in YAML.
type FlowConfig struct {
	Statuses            []string          `yaml:"statuses"`
	Entry               string            `yaml:"entry"`
	Terminal            []string          `yaml:"terminal"`
	Success             string            `yaml:"success"`
	Transitions         []TransitionRule  `yaml:"transitions"`
	Emergency           map[string]string `yaml:"emergency"`
	CancelFromCompleted bool              `yaml:"cancel_from_completed"`
}

// TransitionRule maps (From, Trigger) to To within one flow.
type TransitionRule struct {
	From    string `yaml:"from"`
	Trigger string `yaml:"trigger"`
	To      string `yaml:"to"`
}

// TagRule binds a tag set to a flow name. Rules are evaluated in config
// order, first match wins; Kind defaults to "task".
type TagRule struct {
	Kind string   `yaml:"kind"`
	Tags []string `yaml:"tags"`
	Flow string   `yaml:"flow"`
}

// AggregationRule tells the cascade engine which parent status a child
// status predicate implies.
type AggregationRule struct {
	ParentKind string `yaml:"parent_kind"`
	Predicate  string `yaml:"predicate"`
	Status     string `yaml:"status"`
}

// Predicate names understood by the cascade engine. Evaluation order is
// fixed regardless of config order: failure, then success, then active.
const (
	PredicateAnyTerminalFailure = "any-terminal-failure"
	PredicateAllTerminalSuccess = "all-terminal-success"
	PredicateAnyInProgress      = "any-in-progress"
)

var knownPredicates = map[string]bool{
	PredicateAnyTerminalFailure: true,
	PredicateAllTerminalSuccess: true,
	PredicateAnyInProgress:      true,
}

var knownKinds = map[string]bool{"project": true, "feature": true, "task": true}

// Load reads and validates config from the workspace, or returns the
// built-in default set when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskflow.yml")
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
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

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		// the embedded template is validated by tests; a parse failure
		// here is a programming error
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for tf init.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate checks the whole configuration eagerly. Any error here is fatal
// at startup; nothing is re-checked on the per-request hot path.
func (c *Config) Validate() error {
	if len(c.Flows) == 0 {
		return fmt.Errorf("config.flows is required")
	}
	for name, f := range c.Flows {
		if err := f.validate(); err != nil {
			return fmt.Errorf("flow %s: %w", name, err)
		}
	}
	if c.Defaults == nil {
		return fmt.Errorf("config.defaults is required")
	}
	for _, kind := range []string{"project", "feature", "task"} {
		name, ok := c.Defaults[kind]
		if !ok || name == "" {
			return fmt.Errorf("config.defaults.%s is required", kind)
		}
		if _, ok := c.Flows[name]; !ok {
			return fmt.Errorf("default flow %s for kind %s not defined", name, kind)
		}
	}
	for i, rule := range c.TagFlows {
		if len(rule.Tags) == 0 {
			return fmt.Errorf("tag_flows[%d] has no tags", i)
		}
		if rule.Kind != "" && !knownKinds[rule.Kind] {
			return fmt.Errorf("tag_flows[%d] has unknown kind %s", i, rule.Kind)
		}
		if _, ok := c.Flows[rule.Flow]; !ok {
			return fmt.Errorf("tag_flows[%d] references unknown flow %s", i, rule.Flow)
		}
	}
	if len(c.Aggregation) == 0 {
		return fmt.Errorf("config.aggregation is required")
	}
	for i, rule := range c.Aggregation {
		if rule.ParentKind != "feature" && rule.ParentKind != "project" {
			return fmt.Errorf("aggregation[%d] parent_kind must be feature or project", i)
		}
		if !knownPredicates[rule.Predicate] {
			return fmt.Errorf("aggregation[%d] has unknown predicate %s", i, rule.Predicate)
		}
		if rule.Status == "" {
			return fmt.Errorf("aggregation[%d] has empty status", i)
		}
		def := c.Flows[c.Defaults[rule.ParentKind]]
		if !contains(def.Statuses, rule.Status) {
			return fmt.Errorf("aggregation[%d] status %s not in default %s flow", i, rule.Status, rule.ParentKind)
		}
	}
	for _, tag := range c.RetentionTags {
		if tag == "" {
			return fmt.Errorf("config.retention_tags contains empty tag")
		}
	}
	return nil
}

func (f FlowConfig) validate() error {
	if len(f.Statuses) == 0 {
		return fmt.Errorf("statuses is required")
	}
	seen := map[string]bool{}
	for _, s := range f.Statuses {
		if s == "" {
			return fmt.Errorf("empty status name")
		}
		if seen[s] {
			return fmt.Errorf("duplicate status %s", s)
		}
		seen[s] = true
	}
	if f.Entry == "" {
		return fmt.Errorf("entry status is required")
	}
	if !seen[f.Entry] {
		return fmt.Errorf("entry status %s not in statuses", f.Entry)
	}
	terminal := map[string]bool{}
	for _, s := range f.Terminal {
		if !seen[s] {
			return fmt.Errorf("terminal status %s not in statuses", s)
		}
		terminal[s] = true
	}
	if len(terminal) == 0 {
		return fmt.Errorf("at least one terminal status is required")
	}
	if f.Success == "" {
		return fmt.Errorf("success status is required")
	}
	if !terminal[f.Success] {
		return fmt.Errorf("success status %s must be terminal", f.Success)
	}
	transitionSeen := map[[2]string]bool{}
	for i, t := range f.Transitions {
		if t.Trigger == "" {
			return fmt.Errorf("transitions[%d] has empty trigger", i)
		}
		if !seen[t.From] {
			return fmt.Errorf("transitions[%d] from unknown status %s", i, t.From)
		}
		if !seen[t.To] {
			return fmt.Errorf("transitions[%d] to unknown status %s", i, t.To)
		}
		if terminal[t.From] {
			return fmt.Errorf("transitions[%d] leaves terminal status %s", i, t.From)
		}
		key := [2]string{t.From, t.Trigger}
		if transitionSeen[key] {
			return fmt.Errorf("transitions[%d] duplicates (%s, %s)", i, t.From, t.Trigger)
		}
		transitionSeen[key] = true
	}
	for trigger, to := range f.Emergency {
		if trigger == "" {
			return fmt.Errorf("empty emergency trigger")
		}
		if !seen[to] {
			return fmt.Errorf("emergency %s targets unknown status %s", trigger, to)
		}
	}
	if f.CancelFromCompleted {
		to, ok := f.Emergency["cancel"]
		if !ok {
			return fmt.Errorf("cancel_from_completed requires an emergency cancel trigger")
		}
		if terminal[to] {
			return fmt.Errorf("cancel_from_completed requires a non-terminal cancel status, %s is terminal", to)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `flows:
  task-default:
    statuses: [backlog, pending, in-progress, testing, completed, blocked, on-hold, cancelled]
    entry: backlog
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: backlog, trigger: plan, to: pending}
      - {from: pending, trigger: start, to: in-progress}
      - {from: in-progress, trigger: submit, to: testing}
      - {from: testing, trigger: complete, to: completed}
      - {from: blocked, trigger: unblock, to: pending}
      - {from: on-hold, trigger: resume, to: pending}
    emergency:
      block: blocked
      hold: on-hold
      cancel: cancelled

  task-bug:
    statuses: [pending, in-progress, testing, completed, blocked, cancelled]
    entry: pending
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: pending, trigger: start, to: in-progress}
      - {from: in-progress, trigger: submit, to: testing}
      - {from: testing, trigger: complete, to: completed}
      - {from: blocked, trigger: unblock, to: pending}
    emergency:
      block: blocked
      cancel: cancelled

  task-hotfix:
    statuses: [pending, in-progress, completed, cancelled]
    entry: pending
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: pending, trigger: start, to: in-progress}
      - {from: in-progress, trigger: complete, to: completed}
    emergency:
      cancel: cancelled

  task-docs:
    statuses: [draft, review, completed, on-hold, cancelled]
    entry: draft
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: draft, trigger: submit, to: review}
      - {from: review, trigger: complete, to: completed}
      - {from: on-hold, trigger: resume, to: draft}
    emergency:
      hold: on-hold
      cancel: cancelled

  feature-default:
    statuses: [backlog, in-development, testing, completed, blocked, on-hold, cancelled]
    entry: backlog
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: backlog, trigger: start, to: in-development}
      - {from: in-development, trigger: submit, to: testing}
      - {from: in-development, trigger: complete, to: completed}
      - {from: testing, trigger: complete, to: completed}
      - {from: blocked, trigger: unblock, to: in-development}
      - {from: on-hold, trigger: resume, to: in-development}
    emergency:
      block: blocked
      hold: on-hold
      cancel: cancelled

  project-default:
    statuses: [planning, active, completed, on-hold, cancelled]
    entry: planning
    terminal: [completed, cancelled]
    success: completed
    transitions:
      - {from: planning, trigger: start, to: active}
      - {from: active, trigger: complete, to: completed}
      - {from: on-hold, trigger: resume, to: active}
    emergency:
      hold: on-hold
      cancel: cancelled

tag_flows:
  - {kind: task, tags: [bug, bugfix, fix], flow: task-bug}
  - {kind: task, tags: [hotfix, emergency], flow: task-hotfix}
  - {kind: task, tags: [documentation, docs], flow: task-docs}

defaults:
  task: task-default
  feature: feature-default
  project: project-default

aggregation:
  - {parent_kind: feature, predicate: any-terminal-failure, status: cancelled}
  - {parent_kind: feature, predicate: all-terminal-success, status: completed}
  - {parent_kind: feature, predicate: any-in-progress, status: in-development}
  - {parent_kind: project, predicate: any-terminal-failure, status: cancelled}
  - {parent_kind: project, predicate: all-terminal-success, status: completed}
  - {parent_kind: project, predicate: any-in-progress, status: active}

retention_tags: [bug, bugfix, hotfix, critical]
`
