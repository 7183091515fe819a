// Package cascade resolves a field by trying an ordered list of extraction
// strategies against a document snapshot. The first strategy producing a
// non-empty value wins; later strategies are never evaluated.
package cascade

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind tags the variant of a Strategy.
type Kind int

const (
	// KindContainer matches Selector inside elements matching Container.
	KindContainer Kind = iota
	// KindGlobal matches Selector anywhere in the document.
	KindGlobal
	// KindRegex runs Pattern over the raw markup and returns capture group 1.
	KindRegex
	// KindFunc calls Func.
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindGlobal:
		return "global"
	case KindRegex:
		return "regex"
	case KindFunc:
		return "func"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy is one named rule mapping a snapshot to candidate values.
type Strategy struct {
	Name      string
	Kind      Kind
	Container string
	Selector  string
	// Attr selects an attribute; empty means element text.
	Attr    string
	Pattern *regexp.Regexp
	Func    func(*Snapshot) ([]string, error)
}

// CSS builds a global selector strategy reading text, or attr when given.
func CSS(name, selector string, attr ...string) Strategy {
	s := Strategy{Name: name, Kind: KindGlobal, Selector: selector}
	if len(attr) > 0 {
		s.Attr = attr[0]
	}
	return s
}

// Within builds a container-scoped selector strategy.
func Within(name, container, selector string, attr ...string) Strategy {
	s := CSS(name, selector, attr...)
	s.Kind = KindContainer
	s.Container = container
	return s
}

// Regex builds a strategy over raw markup.
func Regex(name, pattern string) Strategy {
	return Strategy{Name: name, Kind: KindRegex, Pattern: regexp.MustCompile(pattern)}
}

// Custom wraps fn as a strategy.
func Custom(name string, fn func(*Snapshot) ([]string, error)) Strategy {
	return Strategy{Name: name, Kind: KindFunc, Func: fn}
}

// FieldSpec is the ordered cascade for one output field. Multi fields keep
// every value the winning strategy yields.
type FieldSpec struct {
	Field      string
	Multi      bool
	Strategies []Strategy
}

// Snapshot is an immutable view of one page state.
type Snapshot struct {
	URL  string
	HTML string
	Doc  *goquery.Document
}

// NewSnapshot parses markup taken from the page at pageURL.
func NewSnapshot(markup, pageURL string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if u, err := url.Parse(pageURL); err == nil {
		doc.Url = u
	}
	return &Snapshot{URL: pageURL, HTML: markup, Doc: doc}, nil
}

// Match is a successful resolution.
type Match struct {
	Field    string
	Strategy string
	Values   []string
}

// First returns the first value, or "" for an empty match.
func (m Match) First() string {
	if len(m.Values) == 0 {
		return ""
	}
	return m.Values[0]
}

type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "cascade")}
}

// Resolve evaluates spec against snap. It reports false when every
// strategy came up empty; strategy failures are logged and skipped.
func (r *Resolver) Resolve(snap *Snapshot, spec FieldSpec) (Match, bool) {
	if snap == nil {
		return Match{}, false
	}

	for _, strategy := range spec.Strategies {
		values, err := r.evaluate(snap, strategy)
		if err != nil {
			r.logger.Debug("strategy failed",
				"field", spec.Field,
				"strategy", strategy.Name,
				"kind", strategy.Kind.String(),
				"error", err)
			continue
		}

		values = clean(values)
		if len(values) == 0 {
			continue
		}
		if !spec.Multi {
			values = values[:1]
		}
		return Match{Field: spec.Field, Strategy: strategy.Name, Values: values}, true
	}

	return Match{}, false
}

// ResolveString returns the scalar value of spec or "".
func (r *Resolver) ResolveString(snap *Snapshot, spec FieldSpec) string {
	m, _ := r.Resolve(snap, spec)
	return m.First()
}

func (r *Resolver) evaluate(snap *Snapshot, s Strategy) (values []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			values = nil
			err = fmt.Errorf("strategy panicked: %v", rec)
		}
	}()

	switch s.Kind {
	case KindGlobal:
		if s.Selector == "" {
			return nil, fmt.Errorf("empty selector")
		}
		return collect(snap.Doc.Find(s.Selector), s.Attr), nil
	case KindContainer:
		if s.Container == "" || s.Selector == "" {
			return nil, fmt.Errorf("container strategy needs container and selector")
		}
		return collect(snap.Doc.Find(s.Container).Find(s.Selector), s.Attr), nil
	case KindRegex:
		if s.Pattern == nil {
			return nil, fmt.Errorf("nil pattern")
		}
		var out []string
		for _, m := range s.Pattern.FindAllStringSubmatch(snap.HTML, -1) {
			if len(m) > 1 {
				out = append(out, m[1])
			} else {
				out = append(out, m[0])
			}
		}
		return out, nil
	case KindFunc:
		if s.Func == nil {
			return nil, fmt.Errorf("nil func")
		}
		return s.Func(snap)
	default:
		return nil, fmt.Errorf("unknown strategy kind %s", s.Kind)
	}
}

func collect(sel *goquery.Selection, attr string) []string {
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if attr == "" {
			out = append(out, s.Text())
			return
		}
		if v, ok := s.Attr(attr); ok {
			out = append(out, v)
		}
	})
	return out
}

// clean collapses whitespace, drops empty values and repeats.
func clean(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
