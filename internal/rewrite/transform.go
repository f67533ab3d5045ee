package rewrite

import (
	"go/ast"
	"go/token"
	"strconv"
)

// wellKnownConversions lists package-qualified type conversions that look
// exactly like function calls. Wrapping a conversion would put a type
// where a value belongs, so these are invoked directly. Package-local
// type names are collected from the source itself; this table covers the
// imported ones seen in practice.
var wellKnownConversions = map[string]bool{
	"json.Number":     true,
	"json.RawMessage": true,
	"time.Duration":   true,
	"time.Month":      true,
	"time.Weekday":    true,
}

// fileTransform holds per-file rewrite state.
type fileTransform struct {
	pkg      string
	imports  map[string]string // local import name -> path
	types    map[string]bool   // package-level type names, for conversions
	funcs    map[string]bool   // package-level function names
	mutators map[string]bool
	touched  bool
}

func (ft *fileTransform) rewriteBlock(block *ast.BlockStmt) {
	if block == nil {
		return
	}
	for i, stmt := range block.List {
		block.List[i] = ft.rewriteStmt(stmt)
	}
}

func (ft *fileTransform) rewriteStmt(stmt ast.Stmt) ast.Stmt {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		ft.rewriteAssign(s)
	case *ast.ExprStmt:
		s.X = ft.rewriteExpr(s.X)
	case *ast.GoStmt:
		return ft.rewriteGo(s)
	case *ast.DeferStmt:
		// The deferred call itself stays direct: wrapping would move
		// function resolution from defer time to call time. Arguments
		// are evaluated now, so they are rewritten.
		for i, arg := range s.Call.Args {
			s.Call.Args[i] = ft.rewriteExpr(arg)
		}
	case *ast.ReturnStmt:
		for i, res := range s.Results {
			s.Results[i] = ft.rewriteExpr(res)
		}
	case *ast.IfStmt:
		if s.Init != nil {
			s.Init = ft.rewriteStmt(s.Init)
		}
		s.Cond = ft.rewriteExpr(s.Cond)
		ft.rewriteBlock(s.Body)
		if s.Else != nil {
			s.Else = ft.rewriteStmt(s.Else)
		}
	case *ast.ForStmt:
		if s.Init != nil {
			s.Init = ft.rewriteStmt(s.Init)
		}
		if s.Cond != nil {
			s.Cond = ft.rewriteExpr(s.Cond)
		}
		if s.Post != nil {
			s.Post = ft.rewriteStmt(s.Post)
		}
		ft.rewriteBlock(s.Body)
	case *ast.RangeStmt:
		s.X = ft.rewriteExpr(s.X)
		ft.rewriteBlock(s.Body)
	case *ast.SwitchStmt:
		if s.Init != nil {
			s.Init = ft.rewriteStmt(s.Init)
		}
		if s.Tag != nil {
			s.Tag = ft.rewriteExpr(s.Tag)
		}
		ft.rewriteCaseClauses(s.Body)
	case *ast.TypeSwitchStmt:
		ft.rewriteCaseClauses(s.Body)
	case *ast.SelectStmt:
		for _, clause := range s.Body.List {
			if comm, ok := clause.(*ast.CommClause); ok {
				for i, st := range comm.Body {
					comm.Body[i] = ft.rewriteStmt(st)
				}
			}
		}
	case *ast.SendStmt:
		s.Value = ft.rewriteExpr(s.Value)
	case *ast.BlockStmt:
		ft.rewriteBlock(s)
	case *ast.LabeledStmt:
		s.Stmt = ft.rewriteStmt(s.Stmt)
	case *ast.DeclStmt:
		ft.rewriteDecl(s)
	}
	return stmt
}

func (ft *fileTransform) rewriteCaseClauses(body *ast.BlockStmt) {
	for _, clause := range body.List {
		if cc, ok := clause.(*ast.CaseClause); ok {
			for i, expr := range cc.List {
				cc.List[i] = ft.rewriteExpr(expr)
			}
			for i, st := range cc.Body {
				cc.Body[i] = ft.rewriteStmt(st)
			}
		}
	}
}

// rewriteAssign handles bindings and slot writes. A single-value binding
// goes through Bind so the written slot carries the assigned value's
// provenance; index expressions on the left have their index rewritten
// but are never wrapped themselves (they are store targets, not reads).
func (ft *fileTransform) rewriteAssign(s *ast.AssignStmt) {
	for _, lhs := range s.Lhs {
		if idx, ok := lhs.(*ast.IndexExpr); ok {
			idx.Index = ft.rewriteExpr(idx.Index)
		}
	}
	if len(s.Lhs) == 2 && len(s.Rhs) == 1 {
		// Comma-ok forms (map read, type assertion, channel receive)
		// need the bare two-value expression; a wrapper call would
		// collapse it to one value.
		s.Rhs[0] = ft.rewriteTwoValue(s.Rhs[0])
		return
	}
	for i, rhs := range s.Rhs {
		s.Rhs[i] = ft.rewriteExpr(rhs)
	}
	if len(s.Lhs) != 1 || len(s.Rhs) != 1 {
		return
	}
	if s.Tok != token.ASSIGN && s.Tok != token.DEFINE {
		return
	}
	if bindable(s.Rhs[0]) {
		ft.touched = true
		s.Rhs[0] = ft.runtimeCall("Bind", s.Rhs[0])
	}
}

// rewriteDecl wraps initializers in var declarations the same way
// rewriteAssign wraps bindings.
func (ft *fileTransform) rewriteDecl(s *ast.DeclStmt) {
	gd, ok := s.Decl.(*ast.GenDecl)
	if !ok || gd.Tok != token.VAR {
		return
	}
	for _, spec := range gd.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		if len(vs.Names) == 2 && len(vs.Values) == 1 {
			vs.Values[0] = ft.rewriteTwoValue(vs.Values[0])
			continue
		}
		for i, val := range vs.Values {
			vs.Values[i] = ft.rewriteExpr(val)
		}
		if len(vs.Names) == 1 && len(vs.Values) == 1 && bindable(vs.Values[0]) {
			ft.touched = true
			vs.Values[0] = ft.runtimeCall("Bind", vs.Values[0])
		}
	}
}

// rewriteGo moves a spawned call into a relay-partitioned goroutine.
// Argument evaluation moves into the goroutine with it.
func (ft *fileTransform) rewriteGo(s *ast.GoStmt) ast.Stmt {
	ft.touched = true
	inner := ft.rewriteExpr(s.Call)
	body := &ast.BlockStmt{List: []ast.Stmt{&ast.ExprStmt{X: inner}}}
	lit := &ast.FuncLit{
		Type: &ast.FuncType{Params: &ast.FieldList{}},
		Body: body,
	}
	return &ast.ExprStmt{X: ft.runtimeCall("Go", lit)}
}

func (ft *fileTransform) rewriteExpr(expr ast.Expr) ast.Expr {
	switch e := expr.(type) {
	case *ast.CallExpr:
		return ft.rewriteCall(e)
	case *ast.BinaryExpr:
		e.X = ft.rewriteExpr(e.X)
		e.Y = ft.rewriteExpr(e.Y)
		return ft.maybeWrapBinary(e)
	case *ast.IndexExpr:
		e.Index = ft.rewriteExpr(e.Index)
		if isPure(e) && !ft.isPackageIdent(e.X) {
			ft.touched = true
			return ft.runtimeCall("Access", e.X, e)
		}
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.SelectorExpr:
		if ft.isPackageIdent(e.X) || ft.isTypeIdent(e.X) {
			// Package references and method expressions (T.Method)
			// name things, they do not read values.
			return e
		}
		if isPure(e.X) {
			ft.touched = true
			return ft.runtimeCall("Access", e.X, e)
		}
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.ParenExpr:
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.UnaryExpr:
		if e.Op == token.AND {
			// The operand must stay an addressable lvalue; a wrapper
			// call result has no address.
			e.X = ft.rewriteAddressable(e.X)
			return e
		}
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.StarExpr:
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.CompositeLit:
		for i, elt := range e.Elts {
			e.Elts[i] = ft.rewriteExpr(elt)
		}
		return e
	case *ast.KeyValueExpr:
		e.Value = ft.rewriteExpr(e.Value)
		return e
	case *ast.TypeAssertExpr:
		e.X = ft.rewriteExpr(e.X)
		return e
	case *ast.SliceExpr:
		if e.Low != nil {
			e.Low = ft.rewriteExpr(e.Low)
		}
		if e.High != nil {
			e.High = ft.rewriteExpr(e.High)
		}
		return e
	case *ast.FuncLit:
		ft.rewriteBlock(e.Body)
		return e
	}
	return expr
}

// rewriteTwoValue rewrites an expression used in a two-value context.
// Map index reads keep their bare form; everything else is rewritten
// normally since calls, assertions, and receives keep their result
// count through the rewrite.
func (ft *fileTransform) rewriteTwoValue(e ast.Expr) ast.Expr {
	if idx, ok := e.(*ast.IndexExpr); ok {
		idx.Index = ft.rewriteExpr(idx.Index)
		return idx
	}
	return ft.rewriteExpr(e)
}

// rewriteAddressable rewrites inside an address-of operand without ever
// replacing the addressed chain itself.
func (ft *fileTransform) rewriteAddressable(e ast.Expr) ast.Expr {
	switch v := e.(type) {
	case *ast.IndexExpr:
		v.Index = ft.rewriteExpr(v.Index)
		v.X = ft.rewriteAddressable(v.X)
		return v
	case *ast.SelectorExpr:
		v.X = ft.rewriteAddressable(v.X)
		return v
	case *ast.ParenExpr:
		v.X = ft.rewriteAddressable(v.X)
		return v
	case *ast.StarExpr:
		v.X = ft.rewriteExpr(v.X)
		return v
	case *ast.Ident:
		return v
	}
	return ft.rewriteExpr(e)
}

// maybeWrapBinary routes arithmetic and concatenation through Bin so the
// result carries the union of the operands' provenance. Only
// side-effect-free operands qualify: they appear twice in the rewritten
// form, once in the operation and once as provenance inputs.
func (ft *fileTransform) maybeWrapBinary(e *ast.BinaryExpr) ast.Expr {
	switch e.Op {
	case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
	default:
		return e
	}
	if !isPure(e.X) || !isPure(e.Y) {
		return e
	}
	ft.touched = true
	return ft.runtimeCall("Bin", e, e.X, e.Y)
}

// rewriteCall routes a call through the dispatcher unless it must stay
// direct: builtins, conversions, container mutators, closures, and
// anything already emitted by this pass.
func (ft *fileTransform) rewriteCall(call *ast.CallExpr) ast.Expr {
	if isRuntimeExpr(call) {
		return call
	}
	for i, arg := range call.Args {
		call.Args[i] = ft.rewriteExpr(arg)
	}

	switch fun := call.Fun.(type) {
	case *ast.Ident:
		name := fun.Name
		if directIdents[name] || ft.mutators[name] || ft.types[name] {
			return call
		}
		// Only declared package-level functions classify by this
		// package; a bare identifier could be a local variable holding
		// any callable, and unknown origins must stay opaque.
		symbol := ft.pkg + "." + name
		if !ft.funcs[name] {
			symbol = "(dynamic)." + name
		}
		ft.touched = true
		call.Fun = ft.runtimeCall("Wrap", symbolLit(symbol), fun)
		return call

	case *ast.SelectorExpr:
		if ft.isTypeIdent(fun.X) {
			// Method expression: a plain func value, no receiver to
			// union.
			id := fun.X.(*ast.Ident)
			ft.touched = true
			call.Fun = ft.runtimeCall("Wrap",
				symbolLit(ft.pkg+"."+id.Name+"."+fun.Sel.Name), fun)
			return call
		}
		if pkg, ok := ft.packageName(fun.X); ok {
			qualified := pkg + "." + fun.Sel.Name
			if ft.mutators[fun.Sel.Name] || wellKnownConversions[qualified] {
				return call
			}
			path := ft.imports[pkg]
			ft.touched = true
			call.Fun = ft.runtimeCall("Wrap", symbolLit(path+"."+fun.Sel.Name), fun)
			return call
		}
		// Method call on a value. Mutators stay direct so item taint is
		// not folded into the container; impure receivers stay direct
		// because the receiver appears twice in the wrapped form.
		if ft.mutators[fun.Sel.Name] || !isPure(fun.X) {
			return call
		}
		ft.touched = true
		call.Fun = ft.runtimeCall("WrapR", symbolLit("(dynamic)."+fun.Sel.Name), fun, fun.X)
		return call
	}

	// Closure literals are instrumented inline; computed callees have no
	// resolvable origin and classification falls back to opaque at the
	// callee's own boundaries.
	return call
}

// runtimeCall builds flowrt.<name>(args...).
func (ft *fileTransform) runtimeCall(name string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(runtimeAlias),
			Sel: ast.NewIdent(name),
		},
		Args: args,
	}
}

// packageName reports whether an expression is a reference to an
// imported package.
func (ft *fileTransform) packageName(e ast.Expr) (string, bool) {
	id, ok := e.(*ast.Ident)
	if !ok {
		return "", false
	}
	if _, imported := ft.imports[id.Name]; !imported {
		return "", false
	}
	return id.Name, true
}

func (ft *fileTransform) isPackageIdent(e ast.Expr) bool {
	_, ok := ft.packageName(e)
	return ok
}

func (ft *fileTransform) isTypeIdent(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && ft.types[id.Name]
}

// isRuntimeExpr recognizes calls this pass emitted: flowrt.X(...) and
// flowrt.Wrap(...)(...). Recognizing them keeps the rewrite idempotent.
func isRuntimeExpr(call *ast.CallExpr) bool {
	switch fun := call.Fun.(type) {
	case *ast.SelectorExpr:
		if id, ok := fun.X.(*ast.Ident); ok && id.Name == runtimeAlias {
			return true
		}
	case *ast.CallExpr:
		return isRuntimeExpr(fun)
	}
	return false
}

// isPure reports whether evaluating an expression twice is observably
// identical to evaluating it once. Only such expressions may appear in
// both the operation and the provenance-input positions of a rewritten
// form.
func isPure(e ast.Expr) bool {
	switch v := e.(type) {
	case *ast.Ident, *ast.BasicLit:
		return true
	case *ast.SelectorExpr:
		return isPure(v.X)
	case *ast.IndexExpr:
		return isPure(v.X) && isPure(v.Index)
	case *ast.ParenExpr:
		return isPure(v.X)
	}
	return false
}

// bindable reports whether a binding's right-hand side should pass
// through Bind. Literals have no record to preserve, and runtime calls
// are already provenance-aware.
func bindable(e ast.Expr) bool {
	switch e.(type) {
	case *ast.BasicLit, *ast.CompositeLit, *ast.FuncLit:
		return false
	case *ast.CallExpr:
		return !isRuntimeExpr(e.(*ast.CallExpr))
	}
	return true
}

func symbolLit(symbol string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(symbol)}
}
