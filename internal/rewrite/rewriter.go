// Package rewrite transforms Go source so that primitive operations
// propagate provenance. The pass is purely syntactic: it never evaluates
// user code, the same input always yields the same output (which is what
// makes the build-artifact cache sound), and already-rewritten source is
// returned untouched.
//
// Rewritten files call the typed helpers in pkg/flowrt, so the output is
// ordinary compilable Go: bindings pass through Bind, element reads
// through Access, binary operations through Bin, and calls through
// Wrap/WrapR, which route them to the execution dispatcher.
package rewrite

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"

	"go.uber.org/zap"
)

// Marker is prepended to every rewritten file. Its presence is how the
// rewriter recognizes its own output and keeps the pass idempotent.
const Marker = "// Code instrumented by flowtrace; do not edit."

// Version participates in artifact cache keys: bumping it invalidates
// every cached rewrite.
const Version = "1"

const (
	runtimePath  = "flowtrace/pkg/flowrt"
	runtimeAlias = "flowrt"
)

// defaultMutators names container-mutating callables that are invoked
// directly instead of being dispatched through an opaque boundary: taint
// on an item placed into a collection must stay attached to the item, not
// be merged into one aggregate container set.
var defaultMutators = map[string]bool{
	"Add": true, "Append": true, "Delete": true, "Insert": true,
	"Push": true, "Put": true, "Remove": true, "Set": true,
	"Store": true, "Write": true, "WriteByte": true,
	"WriteRune": true, "WriteString": true,
}

// builtins and predeclared type names are never dispatched.
var directIdents = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true,
	"complex": true, "copy": true, "delete": true, "imag": true,
	"len": true, "make": true, "max": true, "min": true, "new": true,
	"panic": true, "print": true, "println": true, "real": true,
	"recover": true,
	// predeclared types used as conversions
	"any": true, "bool": true, "byte": true, "complex64": true,
	"complex128": true, "error": true, "float32": true, "float64": true,
	"int": true, "int8": true, "int16": true, "int32": true,
	"int64": true, "rune": true, "string": true, "uint": true,
	"uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"uintptr": true,
}

// Rewriter is the transformation pass. The zero value is not usable;
// call New.
type Rewriter struct {
	mutators map[string]bool
	logger   *zap.Logger
}

// New creates a rewriter. extraMutators extends the built-in
// container-mutator table; logger may be nil.
func New(logger *zap.Logger, extraMutators ...string) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	mutators := make(map[string]bool, len(defaultMutators)+len(extraMutators))
	for name := range defaultMutators {
		mutators[name] = true
	}
	for _, name := range extraMutators {
		mutators[name] = true
	}
	return &Rewriter{mutators: mutators, logger: logger}
}

// Rewrite transforms one file's source. Already-instrumented source is
// returned unchanged. A parse failure is returned as an error so the
// caller can exclude the file from instrumentation and run it unmodified.
func (r *Rewriter) Rewrite(filename string, src []byte) ([]byte, error) {
	out, err := r.rewriteFile(filename, src, nil, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RewritePackage transforms all files of one package together. Type and
// function names declared in any file are visible to every file's
// conversion and classification checks, which Rewrite alone cannot know
// about.
func (r *Rewriter) RewritePackage(files map[string][]byte) (map[string][]byte, error) {
	types := make(map[string]bool)
	funcs := make(map[string]bool)
	fset := token.NewFileSet()
	for name, src := range files {
		if bytes.Contains(src, []byte(Marker)) {
			continue
		}
		file, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", name, err)
		}
		collectTypeNames(file, types)
		collectFuncNames(file, funcs)
	}

	out := make(map[string][]byte, len(files))
	for name, src := range files {
		rewritten, err := r.rewriteFile(name, src, types, funcs)
		if err != nil {
			return nil, err
		}
		out[name] = rewritten
	}
	return out, nil
}

func (r *Rewriter) rewriteFile(filename string, src []byte, types, funcs map[string]bool) ([]byte, error) {
	if bytes.Contains(src, []byte(Marker)) {
		return src, nil
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", filename, err)
	}

	if types == nil {
		types = make(map[string]bool)
		collectTypeNames(file, types)
	}
	if funcs == nil {
		funcs = make(map[string]bool)
		collectFuncNames(file, funcs)
	}
	ft := &fileTransform{
		pkg:      file.Name.Name,
		imports:  importNames(file),
		types:    types,
		funcs:    funcs,
		mutators: r.mutators,
	}
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Body != nil {
			ft.rewriteBlock(fd.Body)
		}
	}

	if ft.touched {
		injectImport(file)
	}

	var buf bytes.Buffer
	buf.WriteString(Marker + "\n")
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("rewrite %s: print: %w", filename, err)
	}
	r.logger.Debug("rewrote source file",
		zap.String("file", filename),
		zap.String("package", ft.pkg))
	return buf.Bytes(), nil
}

// collectTypeNames records package-level type declarations. A call to a
// type name is a conversion and must not be dispatched.
func collectTypeNames(file *ast.File, into map[string]bool) {
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			if ts, ok := spec.(*ast.TypeSpec); ok {
				into[ts.Name.Name] = true
			}
		}
	}
}

// collectFuncNames records package-level function declarations. A call
// through any other identifier resolves to a value of unknown origin.
func collectFuncNames(file *ast.File, into map[string]bool) {
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil {
			into[fd.Name.Name] = true
		}
	}
}

// importNames maps local import names to import paths for one file.
func importNames(file *ast.File) map[string]string {
	names := make(map[string]string, len(file.Imports))
	for _, imp := range file.Imports {
		path := importPath(imp)
		if path == "" {
			continue
		}
		if imp.Name != nil {
			if imp.Name.Name != "_" && imp.Name.Name != "." {
				names[imp.Name.Name] = path
			}
			continue
		}
		names[baseName(path)] = path
	}
	return names
}

func importPath(imp *ast.ImportSpec) string {
	if imp.Path == nil || len(imp.Path.Value) < 2 {
		return ""
	}
	return imp.Path.Value[1 : len(imp.Path.Value)-1]
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// injectImport adds the runtime import unless the file already has it.
func injectImport(file *ast.File) {
	for _, imp := range file.Imports {
		if importPath(imp) == runtimePath {
			return
		}
	}
	spec := &ast.ImportSpec{
		Path: &ast.BasicLit{Kind: token.STRING, Value: fmt.Sprintf("%q", runtimePath)},
	}
	file.Imports = append(file.Imports, spec)

	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			gd.Specs = append(gd.Specs, spec)
			if len(gd.Specs) > 1 {
				gd.Lparen = 1 // force parenthesized form
			}
			return
		}
	}
	decl := &ast.GenDecl{Tok: token.IMPORT, Specs: []ast.Spec{spec}}
	file.Decls = append([]ast.Decl{decl}, file.Decls...)
}
