// Package render turns adapter templates and a resolved role profile into a
// concrete argument vector and prompt transport.
package render

import (
	"fmt"
	"strconv"
	"strings"
)

// The token language is a deliberately small substitution grammar:
//
//	{{ path.to.value }}                substitutes a context value
//	{% if EXPR %}...{% else %}...{% endif %}   conditional body
//
// EXPR is one of: `path`, `not EXPR`, `path == 'literal'`, `path != 'literal'`,
// `EXPR and EXPR`, `EXPR or EXPR` (lowest precedence first: or, and, not).
// The renderer is pure: it only reads the supplied context, with no file,
// process, or reflection access.

// RenderToken renders a single template token against the context.
func RenderToken(token string, ctx map[string]any) (string, error) {
	nodes, rest, err := parseNodes(token, false)
	if err != nil {
		return "", fmt.Errorf("template %q: %w", token, err)
	}
	if rest != "" {
		return "", fmt.Errorf("template %q: trailing %q", token, rest)
	}
	var b strings.Builder
	if err := evalNodes(&b, nodes, ctx); err != nil {
		return "", fmt.Errorf("template %q: %w", token, err)
	}
	return b.String(), nil
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeSubst
	nodeIf
)

type node struct {
	kind nodeKind
	text string // nodeText: literal; nodeSubst: path
	cond string // nodeIf
	then []node
	alt  []node
}

// parseNodes parses until end of input or, when inBlock, until an {% else %}
// or {% endif %} tag, which is left in the returned remainder.
func parseNodes(s string, inBlock bool) ([]node, string, error) {
	var nodes []node
	for s != "" {
		oi := strings.Index(s, "{{")
		ci := strings.Index(s, "{%")
		if oi == -1 && ci == -1 {
			nodes = append(nodes, node{kind: nodeText, text: s})
			return nodes, "", nil
		}

		next := oi
		if next == -1 || (ci != -1 && ci < next) {
			next = ci
		}
		if next > 0 {
			nodes = append(nodes, node{kind: nodeText, text: s[:next]})
			s = s[next:]
		}

		if strings.HasPrefix(s, "{{") {
			end := strings.Index(s, "}}")
			if end == -1 {
				return nil, "", fmt.Errorf("unterminated substitution")
			}
			path := strings.TrimSpace(s[2:end])
			if path == "" {
				return nil, "", fmt.Errorf("empty substitution")
			}
			nodes = append(nodes, node{kind: nodeSubst, text: path})
			s = s[end+2:]
			continue
		}

		// {% ... %} tag
		end := strings.Index(s, "%}")
		if end == -1 {
			return nil, "", fmt.Errorf("unterminated tag")
		}
		tag := strings.TrimSpace(s[2:end])
		rest := s[end+2:]

		switch {
		case strings.HasPrefix(tag, "if "):
			cond := strings.TrimSpace(strings.TrimPrefix(tag, "if "))
			then, rem, err := parseNodes(rest, true)
			if err != nil {
				return nil, "", err
			}
			var alt []node
			if strings.HasPrefix(rem, "{%else%}") {
				rem = strings.TrimPrefix(rem, "{%else%}")
				alt, rem, err = parseNodes(rem, true)
				if err != nil {
					return nil, "", err
				}
			}
			if !strings.HasPrefix(rem, "{%endif%}") {
				return nil, "", fmt.Errorf("missing endif")
			}
			s = strings.TrimPrefix(rem, "{%endif%}")
			nodes = append(nodes, node{kind: nodeIf, cond: cond, then: then, alt: alt})
		case tag == "else", tag == "endif":
			if !inBlock {
				return nil, "", fmt.Errorf("unexpected %s", tag)
			}
			// Re-encode canonically so the caller can match the tag.
			return nodes, "{%" + tag + "%}" + rest, nil
		default:
			return nil, "", fmt.Errorf("unknown tag %q", tag)
		}
	}
	if inBlock {
		return nil, "", fmt.Errorf("missing endif")
	}
	return nodes, "", nil
}

func evalNodes(b *strings.Builder, nodes []node, ctx map[string]any) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeSubst:
			v, _ := lookupPath(ctx, n.text)
			b.WriteString(stringify(v))
		case nodeIf:
			ok, err := evalExpr(n.cond, ctx)
			if err != nil {
				return err
			}
			branch := n.then
			if !ok {
				branch = n.alt
			}
			if err := evalNodes(b, branch, ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func evalExpr(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if parts := strings.Split(expr, " or "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(p, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if parts := strings.Split(expr, " and "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(p, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	if rest, ok := strings.CutPrefix(expr, "not "); ok {
		v, err := evalExpr(rest, ctx)
		return !v, err
	}
	if lhs, rhs, ok := splitComparison(expr, "=="); ok {
		l, r, err := comparisonOperands(lhs, rhs, ctx)
		return l == r, err
	}
	if lhs, rhs, ok := splitComparison(expr, "!="); ok {
		l, r, err := comparisonOperands(lhs, rhs, ctx)
		return l != r, err
	}
	v, _ := lookupPath(ctx, expr)
	return truthy(v), nil
}

func splitComparison(expr, op string) (string, string, bool) {
	i := strings.Index(expr, op)
	if i == -1 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(op):]), true
}

func comparisonOperands(lhs, rhs string, ctx map[string]any) (string, string, error) {
	l, err := operandValue(lhs, ctx)
	if err != nil {
		return "", "", err
	}
	r, err := operandValue(rhs, ctx)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

func operandValue(s string, ctx map[string]any) (string, error) {
	if strings.HasPrefix(s, "'") {
		if !strings.HasSuffix(s, "'") || len(s) < 2 {
			return "", fmt.Errorf("unterminated literal %q", s)
		}
		return s[1 : len(s)-1], nil
	}
	v, _ := lookupPath(ctx, s)
	return stringify(v), nil
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
