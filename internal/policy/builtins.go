package policy

import (
	"bufio"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/types"
	"github.com/spf13/afero"
)

// BuiltinContext holds what the custom Rego built-ins read from.
type BuiltinContext struct {
	// WorkDir resolves relative paths.
	WorkDir string
	// Fs is the filesystem the built-ins inspect.
	Fs afero.Fs
}

func (bc *BuiltinContext) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(bc.WorkDir, path)
}

var (
	registerOnce  sync.Once
	activeBuiltin atomic.Pointer[BuiltinContext]
)

// RegisterBuiltins makes bc the context of the rulegate.* built-ins. OPA
// keeps built-ins in a global table, so they are registered once and read
// the most recently activated context.
func RegisterBuiltins(bc *BuiltinContext) []string {
	if bc.Fs == nil {
		bc.Fs = afero.NewOsFs()
	}
	activeBuiltin.Store(bc)
	registerOnce.Do(registerBuiltins)
	return GetBuiltinNames()
}

func current() *BuiltinContext {
	if bc := activeBuiltin.Load(); bc != nil {
		return bc
	}
	return &BuiltinContext{Fs: afero.NewOsFs()}
}

func registerBuiltins() {
	// rulegate.file_exists(path) -> boolean
	rego.RegisterBuiltin1(&rego.Function{
		Name:    "rulegate.file_exists",
		Decl:    types.NewFunction(types.Args(types.S), types.B),
		Memoize: true,
	}, func(_ rego.BuiltinContext, a *ast.Term) (*ast.Term, error) {
		path, ok := a.Value.(ast.String)
		if !ok {
			return ast.BooleanTerm(false), nil
		}
		return ast.BooleanTerm(fileExistsImpl(current(), string(path))), nil
	})

	// rulegate.file_line_count(path) -> number, -1 when unreadable
	rego.RegisterBuiltin1(&rego.Function{
		Name:    "rulegate.file_line_count",
		Decl:    types.NewFunction(types.Args(types.S), types.N),
		Memoize: true,
	}, func(_ rego.BuiltinContext, a *ast.Term) (*ast.Term, error) {
		path, ok := a.Value.(ast.String)
		if !ok {
			return ast.IntNumberTerm(-1), nil
		}
		return ast.IntNumberTerm(fileLineCountImpl(current(), string(path))), nil
	})

	// rulegate.has_pattern(path, regex) -> boolean
	rego.RegisterBuiltin2(&rego.Function{
		Name:    "rulegate.has_pattern",
		Decl:    types.NewFunction(types.Args(types.S, types.S), types.B),
		Memoize: true,
	}, func(_ rego.BuiltinContext, a, b *ast.Term) (*ast.Term, error) {
		path, ok1 := a.Value.(ast.String)
		pattern, ok2 := b.Value.(ast.String)
		if !ok1 || !ok2 {
			return ast.BooleanTerm(false), nil
		}
		return ast.BooleanTerm(hasPatternImpl(current(), string(path), string(pattern))), nil
	})

	// rulegate.glob_match(pattern, path) -> boolean, doublestar semantics
	rego.RegisterBuiltin2(&rego.Function{
		Name: "rulegate.glob_match",
		Decl: types.NewFunction(types.Args(types.S, types.S), types.B),
	}, func(_ rego.BuiltinContext, a, b *ast.Term) (*ast.Term, error) {
		pattern, ok1 := a.Value.(ast.String)
		path, ok2 := b.Value.(ast.String)
		if !ok1 || !ok2 {
			return ast.BooleanTerm(false), nil
		}
		ok, err := doublestar.Match(string(pattern), NormalizePath(string(path)))
		return ast.BooleanTerm(err == nil && ok), nil
	})
}

func fileExistsImpl(bc *BuiltinContext, path string) bool {
	ok, _ := afero.Exists(bc.Fs, bc.resolvePath(path))
	return ok
}

func fileLineCountImpl(bc *BuiltinContext, path string) int {
	file, err := bc.Fs.Open(bc.resolvePath(path))
	if err != nil {
		return -1
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	count := 0
	for scanner.Scan() {
		count++
	}
	if scanner.Err() != nil {
		return -1
	}
	return count
}

func hasPatternImpl(bc *BuiltinContext, path, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	content, err := afero.ReadFile(bc.Fs, bc.resolvePath(path))
	if err != nil {
		return false
	}
	return re.Match(content)
}

// GetBuiltinNames lists the custom built-ins available to policies.
func GetBuiltinNames() []string {
	return []string{
		"rulegate.file_exists",
		"rulegate.file_line_count",
		"rulegate.has_pattern",
		"rulegate.glob_match",
	}
}
