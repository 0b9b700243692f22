package toolapi

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// ToolKind distinguishes background jobs from in-process tools.
type ToolKind string

const (
	KindSubmit ToolKind = "submit"
	KindSync   ToolKind = "sync"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamInt       ParamType = "int"
	ParamFloat     ParamType = "float"
	ParamBool      ParamType = "bool"
	ParamFile      ParamType = "file"
	ParamFiles     ParamType = "files"
	ParamSequence  ParamType = "sequence"
	ParamSequences ParamType = "sequences"
)

// ServerInfo describes the tool server.
type ServerInfo struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Param declares one tool parameter.
type Param struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Arg         string    `yaml:"arg,omitempty" json:"arg,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// ArgName is the script argument the parameter is passed as.
func (p Param) ArgName() string {
	if p.Arg != "" {
		return p.Arg
	}
	return p.Name
}

// Check is a cross-parameter constraint.
//
//   - less_than: left < right
//   - max_span:  right - left <= max
type Check struct {
	Type    string  `yaml:"type" json:"type"`
	Left    string  `yaml:"left" json:"left"`
	Right   string  `yaml:"right" json:"right"`
	Max     float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Message string  `yaml:"message,omitempty" json:"message,omitempty"`
}

// Tool is one catalog entry.
type Tool struct {
	Name           string         `yaml:"name" json:"name"`
	Kind           ToolKind       `yaml:"kind" json:"kind"`
	Script         string         `yaml:"script,omitempty" json:"script,omitempty"`
	Handler        string         `yaml:"handler,omitempty" json:"handler,omitempty"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	TypicalRuntime string         `yaml:"typical_runtime,omitempty" json:"typical_runtime,omitempty"`
	JobName        string         `yaml:"job_name,omitempty" json:"job_name,omitempty"`
	FixedArgs      map[string]any `yaml:"fixed_args,omitempty" json:"fixed_args,omitempty"`
	Params         []Param        `yaml:"params,omitempty" json:"params,omitempty"`
	Checks         []Check        `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// Catalog is the set of tools a server exposes plus how to run scripts.
type Catalog struct {
	Server      ServerInfo `yaml:"server" json:"server"`
	Interpreter string     `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
	ScriptsDir  string     `yaml:"scripts_dir,omitempty" json:"scripts_dir,omitempty"`
	Tools       []Tool     `yaml:"tools" json:"tools"`

	byName  map[string]*Tool
	scripts map[string]struct{}
}

var _ jobregistry.CommandResolver = (*Catalog)(nil)

func (c *Catalog) index() error {
	c.byName = make(map[string]*Tool, len(c.Tools))
	c.scripts = make(map[string]struct{})
	for i := range c.Tools {
		t := &c.Tools[i]
		if _, dup := c.byName[t.Name]; dup {
			return fmt.Errorf("duplicate tool %q", t.Name)
		}
		c.byName[t.Name] = t
		if t.Kind == KindSubmit {
			c.scripts[t.Script] = struct{}{}
		}
		seen := make(map[string]bool, len(t.Params))
		for _, p := range t.Params {
			if seen[p.Name] {
				return fmt.Errorf("tool %q: duplicate param %q", t.Name, p.Name)
			}
			seen[p.Name] = true
		}
		for _, ch := range t.Checks {
			if !seen[ch.Left] || !seen[ch.Right] {
				return fmt.Errorf("tool %q: check %s references unknown param", t.Name, ch.Type)
			}
		}
		if t.JobName != "" {
			if _, err := parseNameTemplate(t.Name, t.JobName); err != nil {
				return fmt.Errorf("tool %q: job_name: %w", t.Name, err)
			}
		}
	}
	return nil
}

// Tool looks a tool up by name.
func (c *Catalog) Tool(name string) (*Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// ToolsByKind returns tools of one kind in catalog order.
func (c *Catalog) ToolsByKind(kind ToolKind) []Tool {
	var out []Tool
	for _, t := range c.Tools {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// WithScriptsDir returns c with scripts resolved under dir. An empty dir
// leaves c unchanged.
func (c *Catalog) WithScriptsDir(dir string) *Catalog {
	if dir != "" {
		c.ScriptsDir = dir
	}
	return c
}

// WithInterpreter overrides the script interpreter. An empty value leaves c
// unchanged.
func (c *Catalog) WithInterpreter(interp string) *Catalog {
	if interp != "" {
		c.Interpreter = interp
	}
	return c
}

// Resolve builds the command line for a catalog script:
//
//	<interpreter> <scripts_dir>/<script> --<arg> <value> ... --output <outputDir>
//
// Arguments are sorted by name. A true bool becomes a bare flag and a false
// one is omitted.
func (c *Catalog) Resolve(scriptName string, args map[string]any, outputDir string) (jobregistry.Command, error) {
	if _, ok := c.scripts[scriptName]; !ok {
		return jobregistry.Command{}, fmt.Errorf("%w: %s", jobregistry.ErrUnknownScript, scriptName)
	}

	scriptPath := scriptName
	if c.ScriptsDir != "" {
		scriptPath = filepath.Join(c.ScriptsDir, scriptName)
	}
	if abs, err := filepath.Abs(scriptPath); err == nil {
		scriptPath = abs
	}

	cmd := jobregistry.Command{}
	if c.Interpreter != "" {
		cmd.Path = c.Interpreter
		cmd.Args = append(cmd.Args, scriptPath)
	} else {
		cmd.Path = scriptPath
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		if k == "output" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flag := "--" + k
		switch v := args[k].(type) {
		case bool:
			if v {
				cmd.Args = append(cmd.Args, flag)
			}
		case string:
			cmd.Args = append(cmd.Args, flag, v)
		case float64:
			cmd.Args = append(cmd.Args, flag, strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			cmd.Args = append(cmd.Args, flag, strconv.Itoa(v))
		default:
			return jobregistry.Command{}, &jobregistry.ValidationError{
				Field:   "args." + k,
				Message: fmt.Sprintf("unsupported value type %T", v),
			}
		}
	}
	if outputDir != "" {
		cmd.Args = append(cmd.Args, "--output", outputDir)
	}
	return cmd, nil
}
