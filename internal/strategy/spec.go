package strategy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"execution-core/internal/indicators"
	"execution-core/internal/risk"
)

// maxDepth caps condition nesting so malformed documents fail at load time
// instead of blowing the stack during evaluation.
const maxDepth = 32

// Spec is a declarative strategy document. YAML and JSON trees both parse
// through the yaml decoder.
type Spec struct {
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type" json:"type"`
	Symbol    string `yaml:"symbol" json:"symbol"`
	Timeframe string `yaml:"timeframe" json:"timeframe"`

	Entry SideConditions `yaml:"entry" json:"entry"`
	Exit  SideConditions `yaml:"exit" json:"exit"`

	Filters risk.Filters  `yaml:"filters" json:"filters"`
	Risk    risk.Settings `yaml:"risk" json:"risk"`
}

// SideConditions holds the long and short condition trees of a section.
type SideConditions struct {
	Long  *Condition `yaml:"long" json:"long"`
	Short *Condition `yaml:"short" json:"short"`
}

// Condition is one node of the expression tree. Combinator nodes carry
// Conditions; leaf nodes carry Left and Right operands.
type Condition struct {
	Op         string       `yaml:"op" json:"op"`
	Conditions []*Condition `yaml:"conditions" json:"conditions"`
	Left       *Operand     `yaml:"left" json:"left"`
	Right      *Operand     `yaml:"right" json:"right"`
}

var combinatorOps = map[string]bool{"and": true, "or": true, "not": true}

var leafOps = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true,
	"eq": true, "neq": true,
	"cross_above": true, "cross_below": true, "crosses": true,
}

// Operand is a tagged variant: a numeric literal, a named column, or an
// indicator reference resolved to its canonical column.
type Operand struct {
	Literal   *float64
	Column    string
	Indicator *indicators.Spec
}

// UnmarshalYAML accepts a scalar (number literal or column name) or a
// mapping with indicator/params/output keys.
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var f float64
		if err := node.Decode(&f); err == nil && node.Tag != "!!str" {
			o.Literal = &f
			return nil
		}
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		o.Column = strings.ToLower(strings.TrimSpace(s))
		return nil
	case yaml.MappingNode:
		var ref struct {
			Indicator string             `yaml:"indicator"`
			Params    map[string]float64 `yaml:"params"`
			Output    string             `yaml:"output"`
		}
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref.Output == "" {
			ref.Output = "value"
		}
		o.Indicator = &indicators.Spec{Name: ref.Indicator, Params: ref.Params, Output: ref.Output}
		return nil
	}
	return fmt.Errorf("operand must be a scalar or an indicator mapping")
}

func (o *Operand) validate() error {
	set := 0
	if o.Literal != nil {
		set++
	}
	if o.Column != "" {
		set++
	}
	if o.Indicator != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("operand must be exactly one of literal, column or indicator")
	}
	if o.Indicator != nil {
		return o.Indicator.Validate()
	}
	return nil
}

// LoadSpec parses and validates a strategy document.
func LoadSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse strategy document: %w", err)
	}
	if s.Type == "" {
		s.Type = "sectioned"
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the whole document: operators, arity, operands,
// indicator params, filters and risk settings. Documents fail here at load
// time, never mid-run.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Timeframe == "" {
		return fmt.Errorf("strategy timeframe is required")
	}
	if s.Entry.Long == nil && s.Entry.Short == nil {
		return fmt.Errorf("strategy needs at least one entry condition")
	}
	for label, c := range map[string]*Condition{
		"entry.long": s.Entry.Long, "entry.short": s.Entry.Short,
		"exit.long": s.Exit.Long, "exit.short": s.Exit.Short,
	} {
		if c == nil {
			continue
		}
		if err := validateCondition(c, 0); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
	}
	if err := s.Filters.Validate(); err != nil {
		return fmt.Errorf("filters: %w", err)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

func validateCondition(c *Condition, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", maxDepth)
	}
	op := strings.ToLower(c.Op)
	switch {
	case combinatorOps[op]:
		if op == "not" {
			if len(c.Conditions) != 1 {
				return fmt.Errorf("not requires exactly one child condition")
			}
		} else if len(c.Conditions) < 2 {
			return fmt.Errorf("%s requires at least two child conditions", op)
		}
		if c.Left != nil || c.Right != nil {
			return fmt.Errorf("%s does not take operands", op)
		}
		for _, child := range c.Conditions {
			if child == nil {
				return fmt.Errorf("%s has a null child condition", op)
			}
			if err := validateCondition(child, depth+1); err != nil {
				return err
			}
		}
	case leafOps[op]:
		if len(c.Conditions) != 0 {
			return fmt.Errorf("%s does not take child conditions", op)
		}
		if c.Left == nil || c.Right == nil {
			return fmt.Errorf("%s requires left and right operands", op)
		}
		if err := c.Left.validate(); err != nil {
			return fmt.Errorf("left: %w", err)
		}
		if err := c.Right.validate(); err != nil {
			return fmt.Errorf("right: %w", err)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

// Indicators walks every condition tree and collects the referenced
// indicator specs, deduplicated by canonical column name. ATR-based stop
// settings add their own spec so the frame always has the column.
func (s *Spec) Indicators() []indicators.Spec {
	seen := make(map[string]bool)
	var out []indicators.Spec
	add := func(spec indicators.Spec) {
		col := spec.ColumnName()
		if !seen[col] {
			seen[col] = true
			out = append(out, spec)
		}
	}
	var walk func(c *Condition)
	walk = func(c *Condition) {
		if c == nil {
			return
		}
		for _, child := range c.Conditions {
			walk(child)
		}
		for _, o := range []*Operand{c.Left, c.Right} {
			if o != nil && o.Indicator != nil {
				add(*o.Indicator)
			}
		}
	}
	walk(s.Entry.Long)
	walk(s.Entry.Short)
	walk(s.Exit.Long)
	walk(s.Exit.Short)
	if s.Risk.StopPoints == 0 && s.Risk.ATRPeriod >= 1 && s.Risk.ATRMult > 0 {
		add(indicators.Spec{
			Name:   "atr",
			Params: map[string]float64{"period": float64(s.Risk.ATRPeriod)},
			Output: "value",
		})
	}
	return out
}

// Warmup returns the bar count needed before the first evaluation. Crossing
// operators add one bar on top of the slowest indicator.
func (s *Spec) Warmup() int {
	warmup := 2
	for _, spec := range s.Indicators() {
		if w := spec.Warmup() + 1; w > warmup {
			warmup = w
		}
	}
	return warmup
}
