// Package runner drives a traced program end to end: it instruments the
// program's source, wires a session, and executes the instrumented code
// under the yaegi interpreter against the live engine.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"flowtrace/internal/artifact"
	"flowtrace/internal/boundary"
	"flowtrace/internal/config"
	"flowtrace/internal/graph"
	"flowtrace/internal/rewrite"
	"flowtrace/internal/session"
	"flowtrace/pkg/flowrt"
)

// Engine instruments and runs traced programs.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	cache    *artifact.Cache
	rewriter *rewrite.Rewriter

	// client overrides the configured LLM backend; tests inject fakes
	// here.
	client boundary.Client
}

// New builds an engine from configuration. logger may be nil.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := artifact.Open(cfg.Cache.Path, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Watch {
		for _, pkg := range cfg.Instrument.Packages {
			if err := cache.Watch(pkg); err != nil {
				logger.Warn("cache watch failed", zap.String("dir", pkg), zap.Error(err))
			}
		}
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		rewriter: rewrite.New(logger, cfg.Instrument.Mutators...),
	}, nil
}

// SetClient overrides the LLM backend used by Run.
func (e *Engine) SetClient(c boundary.Client) { e.client = c }

// Close releases the artifact cache.
func (e *Engine) Close() error { return e.cache.Close() }

// Program is one instrumented package ready to execute.
type Program struct {
	Package string
	Files   map[string][]byte
	// Excluded lists files kept unmodified because they could not be
	// rewritten; they run opaque.
	Excluded []string
}

// Instrument reads the Go files of dir and returns their instrumented
// form, consulting the artifact cache per file. Test files are skipped.
func (e *Engine) Instrument(dir string) (*Program, error) {
	sources, err := readPackage(dir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no Go files in %s", dir)
	}

	prog := &Program{Files: make(map[string][]byte, len(sources))}

	missing := make(map[string][]byte)
	for name, src := range sources {
		key := artifact.Key(src, rewrite.Version)
		cached, err := e.cache.Rewritten(key, name, func() ([]byte, error) {
			return nil, errMiss
		})
		if err == nil {
			prog.Files[name] = cached
			continue
		}
		missing[name] = src
	}

	if len(missing) > 0 {
		rewritten, err := e.rewriter.RewritePackage(sources)
		if err != nil {
			// A parse failure anywhere falls back to per-file rewriting
			// so one broken file only excludes itself.
			rewritten = e.rewriteIndividually(sources, prog)
		}
		for name := range missing {
			out, ok := rewritten[name]
			if !ok {
				continue
			}
			key := artifact.Key(sources[name], rewrite.Version)
			stored, err := e.cache.Rewritten(key, name, func() ([]byte, error) { return out, nil })
			if err != nil {
				return nil, err
			}
			prog.Files[name] = stored
		}
	}

	prog.Package, err = packageName(prog.Files)
	if err != nil {
		return nil, err
	}
	e.logger.Info("instrumented package",
		zap.String("package", prog.Package),
		zap.Int("files", len(prog.Files)),
		zap.Int("excluded", len(prog.Excluded)))
	return prog, nil
}

var errMiss = fmt.Errorf("artifact cache miss")

func (e *Engine) rewriteIndividually(sources map[string][]byte, prog *Program) map[string][]byte {
	out := make(map[string][]byte, len(sources))
	for name, src := range sources {
		rewritten, err := e.rewriter.Rewrite(name, src)
		if err != nil {
			e.logger.Warn("file excluded from instrumentation",
				zap.String("file", name), zap.Error(err))
			prog.Excluded = append(prog.Excluded, name)
			out[name] = src
			continue
		}
		out[name] = rewritten
	}
	return out
}

// Run instruments dir, executes entry (a niladic function in the
// package) under the interpreter, and returns the observations emitted
// during the run.
func (e *Engine) Run(ctx context.Context, dir, entry string) ([]graph.Observation, error) {
	prog, err := e.Instrument(dir)
	if err != nil {
		return nil, err
	}

	client := e.client
	if client == nil && e.cfg.LLM.APIKey != "" {
		client, err = boundary.NewGenAIClient(e.cfg.LLM.APIKey, e.cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
	}

	var replay boundary.ReplayCache
	if e.cfg.Cache.Replay {
		replay = e.cache.Replay()
	}

	sess := session.New(session.Config{
		StoreLimit: e.cfg.Store.Limit,
		Model:      e.cfg.LLM.Model,
		Client:     client,
		Replay:     replay,
		Logger:     e.logger,
	})
	sess.Classifier.MarkInstrumented(prog.Package)
	sess.Classifier.MarkInstrumented("flowtrace/pkg/flowrt")
	for _, name := range e.cfg.Instrument.UnionEntries {
		sess.Boundary.SetPolicy(name, boundary.PolicyUnion)
	}
	session.Activate(sess)
	defer func() {
		session.Deactivate()
		sess.Close()
	}()

	i, gopath, err := e.newInterp(prog)
	if gopath != "" {
		defer os.RemoveAll(gopath)
	}
	if err != nil {
		return nil, err
	}
	if _, err := i.EvalWithContext(ctx, fmt.Sprintf("import %q", prog.Package)); err != nil {
		return nil, fmt.Errorf("failed to load program: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, fmt.Sprintf("%s.%s()", prog.Package, entry)); err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}

	return sess.Bus.Snapshot(), nil
}

// newInterp lays out a temporary GOPATH holding the runtime source and
// the instrumented program, then builds an interpreter over it. The
// runtime helpers are interpreted rather than bound because they are
// generic; the engine packages they call are compiled bindings, so
// interpreted and host code share one store and relay.
func (e *Engine) newInterp(prog *Program) (*interp.Interpreter, string, error) {
	gopath, err := os.MkdirTemp("", "flowtrace-run-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create run dir: %w", err)
	}

	rtDir := filepath.Join(gopath, "src", "flowtrace", "pkg", "flowrt")
	if err := os.MkdirAll(rtDir, 0755); err != nil {
		return nil, gopath, fmt.Errorf("failed to lay out runtime: %w", err)
	}
	if err := os.WriteFile(filepath.Join(rtDir, "flowrt.go"), []byte(flowrt.Source), 0644); err != nil {
		return nil, gopath, fmt.Errorf("failed to write runtime source: %w", err)
	}

	progDir := filepath.Join(gopath, "src", prog.Package)
	if err := os.MkdirAll(progDir, 0755); err != nil {
		return nil, gopath, fmt.Errorf("failed to lay out program: %w", err)
	}
	for name, src := range prog.Files {
		if err := os.WriteFile(filepath.Join(progDir, filepath.Base(name)), src, 0644); err != nil {
			return nil, gopath, fmt.Errorf("failed to write program source: %w", err)
		}
	}

	i := interp.New(interp.Options{GoPath: gopath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, gopath, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, gopath, fmt.Errorf("failed to load engine symbols: %w", err)
	}
	return i, gopath, nil
}

// readPackage loads the non-test Go sources of one directory.
func readPackage(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	sources := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		sources[name] = src
	}
	return sources, nil
}

// packageName extracts the package clause shared by the files.
func packageName(files map[string][]byte) (string, error) {
	for name, src := range files {
		for _, line := range strings.Split(string(src), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "package ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "package ")), nil
			}
		}
		return "", fmt.Errorf("no package clause in %s", name)
	}
	return "", fmt.Errorf("no files")
}
