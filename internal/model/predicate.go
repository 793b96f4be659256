package model

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Predicate is one indicator condition inside a phase. Regex and CIDR
// predicates are compiled once at model load; Match never compiles.
type Predicate struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`

	re    *regexp.Regexp
	ipnet *net.IPNet
}

// Supported predicate operators.
var validOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true,
	"lt": true, "lte": true, "contains": true,
	"prefix": true, "suffix": true, "regex": true,
	"in": true, "not_in": true,
	"exists": true, "not_exists": true,
	"cidr": true,
}

// Compile validates the predicate and precompiles regex/CIDR forms.
func (p *Predicate) Compile() error {
	if p.Field == "" {
		return fmt.Errorf("field is required")
	}
	if p.Operator == "" {
		return fmt.Errorf("operator is required")
	}
	if !validOperators[p.Operator] {
		return fmt.Errorf("invalid operator: %s", p.Operator)
	}

	switch p.Operator {
	case "in", "not_in":
		if len(p.Values) == 0 {
			return fmt.Errorf("values required for %s operator", p.Operator)
		}
	case "regex":
		pattern, ok := p.Value.(string)
		if !ok || pattern == "" {
			return fmt.Errorf("regex operator requires a string value")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		p.re = re
	case "cidr":
		block, ok := p.Value.(string)
		if !ok || block == "" {
			return fmt.Errorf("cidr operator requires a string value")
		}
		_, ipnet, err := net.ParseCIDR(block)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", block, err)
		}
		p.ipnet = ipnet
	case "exists", "not_exists":
		// No value required.
	default:
		if p.Value == nil {
			return fmt.Errorf("value required for %s operator", p.Operator)
		}
	}
	return nil
}

// Match evaluates the predicate against an event's raw indicators.
// A missing field matches only not_exists.
func (p *Predicate) Match(indicators map[string]any) bool {
	val, present := indicators[p.Field]

	switch p.Operator {
	case "exists":
		return present && val != nil && val != ""
	case "not_exists":
		return !present || val == nil || val == ""
	}

	if !present {
		return false
	}

	switch p.Operator {
	case "eq":
		return p.matchEquals(val)
	case "ne":
		return !p.matchEquals(val)
	case "gt":
		return p.matchCompare(val) > 0
	case "gte":
		return p.matchCompare(val) >= 0
	case "lt":
		return p.matchCompare(val) < 0
	case "lte":
		return p.matchCompare(val) <= 0
	case "contains":
		return p.matchContains(val)
	case "prefix":
		return strings.HasPrefix(asString(val), asString(p.Value))
	case "suffix":
		return strings.HasSuffix(asString(val), asString(p.Value))
	case "regex":
		return p.re != nil && p.re.MatchString(asString(val))
	case "in":
		return p.matchIn(val)
	case "not_in":
		return !p.matchIn(val)
	case "cidr":
		if p.ipnet == nil {
			return false
		}
		ip := net.ParseIP(asString(val))
		return ip != nil && p.ipnet.Contains(ip)
	}
	return false
}

func (p *Predicate) matchEquals(val any) bool {
	if strVal, ok := val.(string); ok {
		if condVal, ok := p.Value.(string); ok {
			return strVal == condVal
		}
	}
	if numVal, ok := toFloat64(val); ok {
		if condVal, ok := toFloat64(p.Value); ok {
			return numVal == condVal
		}
	}
	return asString(val) == asString(p.Value)
}

func (p *Predicate) matchCompare(val any) int {
	numVal, ok1 := toFloat64(val)
	condVal, ok2 := toFloat64(p.Value)
	if !ok1 || !ok2 {
		return strings.Compare(asString(val), asString(p.Value))
	}
	if numVal < condVal {
		return -1
	}
	if numVal > condVal {
		return 1
	}
	return 0
}

func (p *Predicate) matchContains(val any) bool {
	return strings.Contains(strings.ToLower(asString(val)), strings.ToLower(asString(p.Value)))
}

func (p *Predicate) matchIn(val any) bool {
	str := asString(val)
	for _, v := range p.Values {
		if str == v {
			return true
		}
	}
	return false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
