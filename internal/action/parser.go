package action

import (
	"fmt"
	"io"
	"regexp"
	"slices"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// DefaultRawParams are parameter elements whose body is kept verbatim,
// so source code containing '<' or '&' survives unescaped.
var DefaultRawParams = []string{"content", "code", "old", "new"}

// thinkBlock matches reasoning blocks some local models emit before
// their answer.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Parser extracts actions from model output.
type Parser struct {
	// Known restricts tool names. Control actions are always accepted.
	// Empty means any name is a tool.
	Known map[string]bool

	// RawParams overrides DefaultRawParams.
	RawParams []string
}

// NewParser returns a parser that accepts the given tool names.
func NewParser(tools ...string) *Parser {
	p := &Parser{}
	if len(tools) > 0 {
		p.Known = make(map[string]bool, len(tools))
		for _, t := range tools {
			p.Known[t] = true
		}
	}
	return p
}

// ResolveActions parses the first top-level element in text. It returns
// an empty slice when text holds no element at all, and a single
// [ParseError] when an element is present but malformed.
func (p *Parser) ResolveActions(text string) []Action {
	src := strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
	if src == "" || !strings.Contains(src, "<") {
		return []Action{}
	}

	rawNames := p.RawParams
	if rawNames == nil {
		rawNames = DefaultRawParams
	}
	src, raws := extractRaw(src, rawNames)

	root, err := parseTree(src)
	if err != nil {
		return []Action{ParseError{Message: err.Error(), Raw: text}}
	}
	if root == nil {
		return []Action{}
	}

	params := root.params(raws)
	return []Action{p.build(root.name, params, text)}
}

func (p *Parser) build(name string, params map[string]any, raw string) Action {
	switch name {
	case NameFinish:
		msg, _ := params["message"].(string)
		if msg == "" {
			msg, _ = params["content"].(string)
		}
		delete(params, "message")
		return Finish{Message: msg, Args: params}
	case NameRevisePlan:
		return RevisePlan{Args: params}
	case NamePauseForUserInput:
		return PauseForUserInput{Args: params}
	case NameParseError:
		msg, _ := params["message"].(string)
		if msg == "" {
			msg, _ = params["content"].(string)
		}
		return ParseError{Message: msg, Raw: raw}
	}

	if len(p.Known) > 0 && !p.Known[name] {
		names := make([]string, 0, len(p.Known))
		for n := range p.Known {
			names = append(names, n)
		}
		sort.Strings(names)
		return ParseError{
			Message: fmt.Sprintf("unknown action <%s>; expected one of: %s, %s, %s, %s",
				name, strings.Join(names, ", "), NameFinish, NameRevisePlan, NamePauseForUserInput),
			Raw: raw,
		}
	}
	return Invoke{Tool: name, Args: params}
}

type node struct {
	name     string
	attrs    []html.Attribute
	children []*node
	text     strings.Builder
}

// parseTree returns the first complete top-level element of src, or nil
// when src contains none.
func parseTree(src string) (*node, error) {
	z := html.NewTokenizer(strings.NewReader(src))
	z.AllowCDATA(true)

	var stack []*node
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("tokenize: %w", err)
			}
			if len(stack) > 0 {
				return nil, fmt.Errorf("unclosed element <%s>", stack[len(stack)-1].name)
			}
			return nil, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			n := &node{name: tok.Data, attrs: tok.Attr}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			if tt == html.SelfClosingTagToken {
				if len(stack) == 0 {
					return n, nil
				}
				continue
			}
			stack = append(stack, n)

		case html.EndTagToken:
			tok := z.Token()
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected closing tag </%s>", tok.Data)
			}
			top := stack[len(stack)-1]
			if top.name != tok.Data {
				return nil, fmt.Errorf("expected </%s>, found </%s>", top.name, tok.Data)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return top, nil
			}

		case html.TextToken:
			if len(stack) > 0 {
				stack[len(stack)-1].text.WriteString(z.Token().Data)
			}
		}
	}
}

// params converts an element's attributes and children into a parameter
// map. Repeated children collect into a []any in document order.
func (n *node) params(raws *rawSet) map[string]any {
	p := make(map[string]any, len(n.attrs)+len(n.children))
	for _, a := range n.attrs {
		p[a.Key] = a.Val
	}

	var repeated []string
	for _, c := range n.children {
		v := c.value(raws)
		existing, ok := p[c.name]
		switch {
		case !ok:
			p[c.name] = v
		case slices.Contains(repeated, c.name):
			p[c.name] = append(existing.([]any), v)
		default:
			p[c.name] = []any{existing, v}
			repeated = append(repeated, c.name)
		}
	}

	if len(n.children) == 0 {
		if text := raws.restore(n.text.String()); text != "" {
			p["content"] = text
		}
	}
	return p
}

func (n *node) value(raws *rawSet) any {
	if len(n.children) == 0 && len(n.attrs) == 0 {
		return raws.restore(n.text.String())
	}
	return n.params(raws)
}

// rawSet holds verbatim element bodies lifted out of the source before
// tokenizing.
type rawSet struct {
	bodies []string
}

func rawPlaceholder(i int) string {
	return fmt.Sprintf("\x1araw%d\x1a", i)
}

// extractRaw replaces the body of every <name>...</name> in names with a
// placeholder.
func extractRaw(src string, names []string) (string, *rawSet) {
	raws := &rawSet{}
	for _, name := range names {
		open, closing := "<"+name+">", "</"+name+">"
		var b strings.Builder
		rest := src
		for {
			i := strings.Index(rest, open)
			if i < 0 {
				break
			}
			bodyStart := i + len(open)
			j := strings.Index(rest[bodyStart:], closing)
			if j < 0 {
				break
			}
			b.WriteString(rest[:bodyStart])
			b.WriteString(rawPlaceholder(len(raws.bodies)))
			raws.bodies = append(raws.bodies, rest[bodyStart:bodyStart+j])
			rest = rest[bodyStart+j:]
		}
		b.WriteString(rest)
		src = b.String()
	}
	return src, raws
}

// restore trims s and substitutes any placeholders. A value that is
// exactly one placeholder keeps its body verbatim apart from a single
// leading and trailing newline.
func (r *rawSet) restore(s string) string {
	s = strings.TrimSpace(s)
	if len(r.bodies) == 0 || !strings.Contains(s, "\x1a") {
		return s
	}
	for i, body := range r.bodies {
		ph := rawPlaceholder(i)
		if s == ph {
			body = strings.TrimPrefix(body, "\n")
			return strings.TrimSuffix(body, "\n")
		}
		s = strings.ReplaceAll(s, ph, body)
	}
	return s
}
