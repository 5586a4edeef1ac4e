package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSubrecipeDepth bounds invoke_subrecipe nesting.
const maxSubrecipeDepth = 8

// Recipe is an interpreted recipe: the ordered action plan it pushes onto the
// queue, plus the primitives it declared.
type Recipe struct {
	Name       string
	Path       string
	Actions    []*Action
	Primitives []string
}

// Interpreter turns recipe source into a Recipe.
//
// Recipes use Python syntax. Calls to primitives become actions; everything
// else (literals, config values, environment values, builtin calls, operators,
// for loops over known lists, if statements) is evaluated while interpreting.
// A name assigned from a primitive call is bound to that call's output and is
// passed on as a late-bound reference, resolved when the consuming action is
// dispatched.
type Interpreter struct {
	Registry Registry
	// Config is exposed to recipes as "config"; sections are looked up
	// case-insensitively (config.ARGUMENT.input_dir).
	Config map[string]any
	// Env holds values visible to recipes as bare names.
	Env map[string]string
	// ReadFile loads sub-recipes. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Interpret parses src and builds its action plan. No action runs.
func (in *Interpreter) Interpret(filename string, src []byte) (*Recipe, error) {
	if in.Registry == nil {
		return nil, fmt.Errorf("interpreter: primitive registry must not be nil")
	}
	st := &interp{
		in:    in,
		vars:  make(map[string]any),
		prims: make(map[string]string),
	}
	if err := st.file(filename, src); err != nil {
		return nil, err
	}
	r := &Recipe{
		Name:    strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)),
		Path:    filename,
		Actions: st.actions,
	}
	seen := make(map[string]bool)
	for _, name := range st.declared {
		if !seen[name] {
			seen[name] = true
			r.Primitives = append(r.Primitives, name)
		}
	}
	return r, nil
}

// InterpretFile reads and interprets the recipe at path.
func (in *Interpreter) InterpretFile(path string) (*Recipe, error) {
	src, err := in.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return in.Interpret(path, src)
}

func (in *Interpreter) readFile(path string) ([]byte, error) {
	if in.ReadFile != nil {
		return in.ReadFile(path)
	}
	return os.ReadFile(path)
}

// lookupEnv returns an environment value visible to the recipe.
func (in *Interpreter) lookupEnv(name string) (string, bool) {
	v, ok := in.Env[name]
	return v, ok
}
