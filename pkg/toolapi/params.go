package toolapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// JobNameParam is accepted by every submit tool in addition to its declared
// params.
const JobNameParam = "job_name"

// Binding is the outcome of checking a call's raw params against a tool.
type Binding struct {
	// Values holds typed param values by param name. Lists stay lists.
	Values map[string]any
	// Args is the flat script argument map (lists joined with commas).
	Args map[string]any
	// JobName is the caller's job_name, if any.
	JobName string
}

// Bind validates raw against the tool's declared params, applies defaults,
// and runs the cross-field checks. All failures are *jobregistry.ValidationError.
func (t *Tool) Bind(raw map[string]any) (*Binding, error) {
	b := &Binding{Values: map[string]any{}, Args: map[string]any{}}

	known := make(map[string]struct{}, len(t.Params)+1)
	for _, p := range t.Params {
		known[p.Name] = struct{}{}
	}
	for k := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if k == JobNameParam && t.Kind == KindSubmit {
			continue
		}
		return nil, invalid(k, "unknown parameter")
	}

	if v, ok := raw[JobNameParam]; ok && v != nil && t.Kind == KindSubmit {
		s, ok := v.(string)
		if !ok {
			return nil, invalid(JobNameParam, "must be a string")
		}
		b.JobName = strings.TrimSpace(s)
	}

	for k, v := range t.FixedArgs {
		b.Args[k] = v
	}

	for _, p := range t.Params {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, invalid(p.Name, "is required")
			}
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		typed, arg, err := p.coerce(v)
		if err != nil {
			return nil, err
		}
		b.Values[p.Name] = typed
		b.Args[p.ArgName()] = arg
	}

	for _, ch := range t.Checks {
		if err := ch.apply(b.Values); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (ch Check) apply(values map[string]any) error {
	left, lok := asFloat(values[ch.Left])
	right, rok := asFloat(values[ch.Right])
	if !lok || !rok {
		// Optional params that were not supplied.
		return nil
	}
	switch ch.Type {
	case "less_than":
		if left >= right {
			return invalid(ch.Left, ch.messageOr(fmt.Sprintf("%s must be less than %s", ch.Left, ch.Right)))
		}
	case "max_span":
		if right-left > ch.Max {
			return invalid(ch.Right, ch.messageOr(fmt.Sprintf("%s - %s must not exceed %v", ch.Right, ch.Left, ch.Max)))
		}
	default:
		return fmt.Errorf("unknown check type %q", ch.Type)
	}
	return nil
}

func (ch Check) messageOr(def string) string {
	if ch.Message != "" {
		return ch.Message
	}
	return def
}

// coerce converts a raw JSON-ish value into the param's type. It returns the
// typed value and the flat script argument.
func (p Param) coerce(v any) (any, any, error) {
	switch p.Type {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, nil, invalid(p.Name, "must be a string")
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return nil, nil, invalid(p.Name, "must be one of "+strings.Join(p.Enum, ", "))
		}
		return s, s, nil

	case ParamInt:
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, nil, invalid(p.Name, "must be an integer")
		}
		if err := p.checkRange(f); err != nil {
			return nil, nil, err
		}
		n := int(f)
		return n, n, nil

	case ParamFloat:
		f, ok := asFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil, invalid(p.Name, "must be a number")
		}
		if err := p.checkRange(f); err != nil {
			return nil, nil, err
		}
		return f, f, nil

	case ParamBool:
		switch b := v.(type) {
		case bool:
			return b, b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, nil, invalid(p.Name, "must be a boolean")
			}
			return parsed, parsed, nil
		}
		return nil, nil, invalid(p.Name, "must be a boolean")

	case ParamFile:
		s, ok := v.(string)
		if !ok {
			return nil, nil, invalid(p.Name, "must be a file path")
		}
		info, err := checkInputFile(s)
		if err != nil {
			return nil, nil, invalid(p.Name, err.Error())
		}
		return info.Path, info.Path, nil

	case ParamFiles:
		items, err := stringList(p.Name, v)
		if err != nil {
			return nil, nil, err
		}
		paths := make([]string, 0, len(items))
		for _, s := range items {
			info, err := checkInputFile(s)
			if err != nil {
				return nil, nil, invalid(p.Name, fmt.Sprintf("invalid file %s: %v", s, err))
			}
			paths = append(paths, info.Path)
		}
		return paths, strings.Join(paths, ","), nil

	case ParamSequence:
		s, ok := v.(string)
		if !ok {
			return nil, nil, invalid(p.Name, "must be a string")
		}
		clean, err := CleanSequence(s)
		if err != nil {
			return nil, nil, invalid(p.Name, err.Error())
		}
		return clean, clean, nil

	case ParamSequences:
		items, err := stringList(p.Name, v)
		if err != nil {
			return nil, nil, err
		}
		seqs := make([]string, 0, len(items))
		for i, s := range items {
			clean, err := CleanSequence(s)
			if err != nil {
				return nil, nil, invalid(p.Name, fmt.Sprintf("sequence %d: %v", i+1, err))
			}
			seqs = append(seqs, clean)
		}
		return seqs, strings.Join(seqs, ","), nil
	}
	return nil, nil, fmt.Errorf("param %s: unknown type %q", p.Name, p.Type)
}

func (p Param) checkRange(f float64) error {
	if p.Min != nil && f < *p.Min {
		return invalid(p.Name, fmt.Sprintf("must be >= %v", *p.Min))
	}
	if p.Max != nil && f > *p.Max {
		return invalid(p.Name, fmt.Sprintf("must be <= %v", *p.Max))
	}
	return nil
}

func stringList(name string, v any) ([]string, error) {
	var out []string
	switch list := v.(type) {
	case []string:
		out = list
	case []any:
		out = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, invalid(name, "must be a list of strings")
			}
			out = append(out, s)
		}
	default:
		return nil, invalid(name, "must be a list of strings")
	}
	if len(out) == 0 {
		return nil, invalid(name, "must not be empty")
	}
	return out, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func invalid(field, msg string) error {
	return &jobregistry.ValidationError{Field: field, Message: msg}
}

// FileInfo describes a validated input file.
type FileInfo struct {
	Path      string
	SizeBytes int64
}

// checkInputFile requires an existing, non-empty regular file and returns
// its absolute path.
func checkInputFile(path string) (*FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("file path is empty")
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("file validation error: %v", err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("path is not a file: %s", path)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("file is empty: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &FileInfo{Path: abs, SizeBytes: st.Size()}, nil
}

var nameFuncs = template.FuncMap{
	"prefix": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n]
	},
}

func parseNameTemplate(tool, text string) (*template.Template, error) {
	return template.New(tool).Funcs(nameFuncs).Option("missingkey=zero").Parse(text)
}

// DefaultJobName renders the tool's job_name template against bound values.
// It returns "" when the tool has no template or rendering fails.
func (t *Tool) DefaultJobName(values map[string]any) string {
	if t.JobName == "" {
		return ""
	}
	tmpl, err := parseNameTemplate(t.Name, t.JobName)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return ""
	}
	return buf.String()
}
