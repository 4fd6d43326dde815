package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Parse errors
var (
	ErrEmptyCondition = errors.New("condition tree is empty")
	ErrMissingField   = errors.New("condition has no field")
	ErrMissingOp      = errors.New("condition has no operator")
	ErrNoChildren     = errors.New("compound condition has no children")
)

// wireNode is the serialized form of a node. A leaf carries field, operator
// and value; a compound carries logic and children. "conditions" is accepted
// in place of "children", and a compound may put its logic in "operator".
type wireNode struct {
	Field      string            `json:"field,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	Logic      string            `json:"logic,omitempty"`
	Children   []json.RawMessage `json:"children,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
}

// Parse decodes a serialized condition tree. Operator and logic names are
// normalized but not checked; use Validate for that.
func Parse(raw []byte) (Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, ErrEmptyCondition
	}
	return parseNode(raw, "$")
}

func parseNode(raw []byte, path string) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%s: invalid condition: %w", path, err)
	}

	children := w.Children
	if len(children) == 0 {
		children = w.Conditions
	}

	logic := strings.ToUpper(strings.TrimSpace(w.Logic))
	if logic == "" && w.Field == "" && len(children) > 0 {
		logic = strings.ToUpper(strings.TrimSpace(w.Operator))
	}

	if logic != "" || len(children) > 0 {
		if len(children) == 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrNoChildren)
		}
		c := &Compound{Logic: logic, Children: make([]Node, 0, len(children))}
		for i, childRaw := range children {
			child, err := parseNode(childRaw, fmt.Sprintf("%s.children[%d]", path, i))
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, child)
		}
		return c, nil
	}

	if strings.TrimSpace(w.Field) == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingField)
	}
	if strings.TrimSpace(w.Operator) == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingOp)
	}

	return &Simple{
		Field:    strings.TrimSpace(w.Field),
		Operator: strings.ToLower(strings.TrimSpace(w.Operator)),
		Value:    w.Value,
	}, nil
}

// Marshal serializes a tree into the form Parse accepts
func Marshal(node Node) ([]byte, error) {
	if node == nil {
		return nil, ErrEmptyCondition
	}
	return json.Marshal(node)
}

// MarshalJSON implements json.Marshaler
func (s *Simple) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Field    string `json:"field"`
		Operator string `json:"operator"`
		Value    any    `json:"value"`
	}{s.Field, s.Operator, s.Value})
}

// MarshalJSON implements json.Marshaler
func (c *Compound) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Logic    string `json:"logic"`
		Children []Node `json:"children"`
	}{c.Logic, c.Children})
}

// Validate reports every structural problem in the tree: unknown operators,
// unknown logic, empty fields and empty compounds.
func Validate(node Node) error {
	if node == nil {
		return ErrEmptyCondition
	}
	var errs []error
	validate(node, "$", &errs)
	return errors.Join(errs...)
}

func validate(node Node, path string, errs *[]error) {
	switch n := node.(type) {
	case *Simple:
		if n.Field == "" {
			*errs = append(*errs, fmt.Errorf("%s: %w", path, ErrMissingField))
		}
		if !KnownOperator(n.Operator) {
			*errs = append(*errs, fmt.Errorf("%s: unknown operator %q", path, n.Operator))
		}
	case *Compound:
		if n.Logic != LogicAnd && n.Logic != LogicOr {
			*errs = append(*errs, fmt.Errorf("%s: unknown logic %q", path, n.Logic))
		}
		if len(n.Children) == 0 {
			*errs = append(*errs, fmt.Errorf("%s: %w", path, ErrNoChildren))
		}
		for i, child := range n.Children {
			if child == nil {
				*errs = append(*errs, fmt.Errorf("%s.children[%d]: %w", path, i, ErrEmptyCondition))
				continue
			}
			validate(child, fmt.Sprintf("%s.children[%d]", path, i), errs)
		}
	default:
		*errs = append(*errs, fmt.Errorf("%s: unsupported node type %T", path, node))
	}
}
