package nativetest

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"umka-embed/pkg/umka/native"
)

// The stub understands a deliberately tiny line-oriented language:
//
//	// comment
//	warn "text"                          compile-time warning
//	fn name(a: int, b: str): int { BODY }
//	fn name(x: int): int;                prototype of a host function
//	return EXPR                          defines main(): <kind of EXPR>
//
// BODY is one of: return EXPR | error "text" | exhaust | exit N | trap.
// trap fails with a status the VM never reports, like an engine abort.
// EXPR uses Go expression syntax over int, real, bool and str values.

type stmtKind int

const (
	stmtReturn stmtKind = iota
	stmtError
	stmtExhaust
	stmtExit
	stmtTrap
)

type param struct {
	name string
	kind native.Kind
}

type stmt struct {
	kind stmtKind
	expr ast.Expr
	msg  string
	code int
}

type fnDecl struct {
	file   string
	name   string
	line   int
	params []param
	result native.Kind
	body   *stmt // nil for host function prototypes
}

func (d *fnDecl) signature() native.Signature {
	sig := native.Signature{Result: d.result}
	for _, p := range d.params {
		sig.Params = append(sig.Params, p.kind)
	}
	return sig
}

var (
	fnRe    = regexp.MustCompile(`^fn\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(?::\s*(\w+))?\s*(?:\{(.*)\}|;)$`)
	paramRe = regexp.MustCompile(`^([A-Za-z_]\w*)\s*:\s*(\w+)$`)
)

type compileError struct {
	native.RawError
}

func errAt(file string, line, pos int, format string, args ...any) *compileError {
	return &compileError{native.RawError{
		File: file,
		Line: line,
		Pos:  pos,
		Code: int(native.StatusRuntime),
		Msg:  fmt.Sprintf(format, args...),
	}}
}

// parseScript parses one module. Warnings are returned separately so the
// caller decides when to deliver them.
func parseScript(file, src string) ([]*fnDecl, []native.RawError, *compileError) {
	var (
		decls    []*fnDecl
		warnings []native.RawError
	)
	for i, raw := range strings.Split(src, "\n") {
		line := i + 1
		text := strings.TrimSpace(raw)
		switch {
		case text == "" || strings.HasPrefix(text, "//"):
			continue
		case strings.HasPrefix(text, "warn "):
			msg, err := strconv.Unquote(strings.TrimSpace(strings.TrimPrefix(text, "warn ")))
			if err != nil {
				return nil, nil, errAt(file, line, 6, "malformed warning literal")
			}
			warnings = append(warnings, native.RawError{File: file, Line: line, Pos: 1, Msg: msg})
		case strings.HasPrefix(text, "return ") || text == "return":
			body, cerr := parseStmt(file, line, text)
			if cerr != nil {
				return nil, nil, cerr
			}
			decls = append(decls, &fnDecl{file: file, name: "main", line: line, result: native.KindVoid, body: body})
		case strings.HasPrefix(text, "fn "):
			d, cerr := parseFn(file, line, text)
			if cerr != nil {
				return nil, nil, cerr
			}
			decls = append(decls, d)
		default:
			return nil, nil, errAt(file, line, 1, "syntax error: unexpected %q", firstWord(text))
		}
	}
	return decls, warnings, nil
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t("); i > 0 {
		return s[:i]
	}
	return s
}

func parseFn(file string, line int, text string) (*fnDecl, *compileError) {
	m := fnRe.FindStringSubmatch(text)
	if m == nil {
		return nil, errAt(file, line, 1, "syntax error: malformed function declaration")
	}
	d := &fnDecl{file: file, name: m[1], line: line}
	if args := strings.TrimSpace(m[2]); args != "" {
		for _, a := range strings.Split(args, ",") {
			pm := paramRe.FindStringSubmatch(strings.TrimSpace(a))
			if pm == nil {
				return nil, errAt(file, line, 1, "syntax error: malformed parameter %q", strings.TrimSpace(a))
			}
			k, ok := parseKind(pm[2])
			if !ok || k == native.KindVoid {
				return nil, errAt(file, line, 1, "unknown type %s", pm[2])
			}
			d.params = append(d.params, param{name: pm[1], kind: k})
		}
	}
	k, ok := parseKind(m[3])
	if !ok {
		return nil, errAt(file, line, 1, "unknown type %s", m[3])
	}
	d.result = k
	if strings.HasSuffix(text, ";") {
		return d, nil
	}
	body, cerr := parseStmt(file, line, strings.TrimSpace(m[4]))
	if cerr != nil {
		return nil, cerr
	}
	d.body = body
	return d, nil
}

func parseKind(s string) (native.Kind, bool) {
	switch s {
	case "":
		return native.KindVoid, true
	case "int":
		return native.KindInt, true
	case "real":
		return native.KindReal, true
	case "bool":
		return native.KindBool, true
	case "str":
		return native.KindString, true
	case "ptr":
		return native.KindPtr, true
	}
	return native.KindVoid, false
}

func parseStmt(file string, line int, text string) (*stmt, *compileError) {
	switch {
	case text == "exhaust":
		return &stmt{kind: stmtExhaust}, nil
	case text == "trap":
		return &stmt{kind: stmtTrap}, nil
	case text == "return":
		return &stmt{kind: stmtReturn}, nil
	case strings.HasPrefix(text, "exit "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(text, "exit ")))
		if err != nil {
			return nil, errAt(file, line, 1, "exit expects an integer code")
		}
		return &stmt{kind: stmtExit, code: n}, nil
	case strings.HasPrefix(text, "error "):
		msg, err := strconv.Unquote(strings.TrimSpace(strings.TrimPrefix(text, "error ")))
		if err != nil {
			return nil, errAt(file, line, 1, "malformed error literal")
		}
		return &stmt{kind: stmtError, msg: msg}, nil
	case strings.HasPrefix(text, "return "):
		src := strings.TrimPrefix(text, "return ")
		expr, err := parser.ParseExpr(src)
		if err != nil {
			pos := 1
			var list scanner.ErrorList
			if el, ok := err.(scanner.ErrorList); ok {
				list = el
			}
			msg := err.Error()
			if len(list) > 0 {
				pos = list[0].Pos.Column + len("return ")
				msg = list[0].Msg
			}
			return nil, errAt(file, line, pos, "syntax error: %s", msg)
		}
		return &stmt{kind: stmtReturn, expr: expr}, nil
	}
	return nil, errAt(file, line, 1, "syntax error: unexpected %q", firstWord(text))
}

// program is a compiled set of modules.
type program struct {
	fns map[string]*fnDecl // "module.name"
}

func fnKey(module, name string) string { return module + "." + name }

// lookup resolves a call from inside module.
func (p *program) lookup(module, name string) (*fnDecl, bool) {
	if d, ok := p.fns[fnKey(module, name)]; ok {
		return d, true
	}
	for _, d := range p.fns {
		if d.name == name && d.body == nil {
			return d, true
		}
	}
	return nil, false
}

// check resolves kinds of every body, filling in main's inferred result.
func (p *program) check(externs map[string]native.Signature) *compileError {
	for _, d := range p.fns {
		if d.body != nil {
			continue
		}
		sig, ok := externs[d.name]
		if !ok {
			return errAt(d.file, d.line, 1, "host function %s is declared but not registered", d.name)
		}
		if !sameSig(sig, d.signature()) {
			return errAt(d.file, d.line, 1, "host function %s registered as %s, declared as %s", d.name, sig, d.signature())
		}
	}
	for _, d := range p.fns {
		if d.body == nil || d.body.kind != stmtReturn {
			continue
		}
		env := make(map[string]native.Kind, len(d.params))
		for _, prm := range d.params {
			env[prm.name] = prm.kind
		}
		if d.body.expr == nil {
			if d.result != native.KindVoid {
				return errAt(d.file, d.line, 1, "missing return value in %s", d.name)
			}
			continue
		}
		k, cerr := p.infer(d, d.body.expr, env)
		if cerr != nil {
			return cerr
		}
		if d.name == "main" && d.result == native.KindVoid && len(d.params) == 0 {
			d.result = k
			continue
		}
		if k != d.result && !(k == native.KindInt && d.result == native.KindReal) {
			return errAt(d.file, d.line, 1, "%s returns %s, want %s", d.name, k, d.result)
		}
	}
	return nil
}

func sameSig(a, b native.Signature) bool {
	if a.Result != b.Result || len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	return true
}

func isNumeric(k native.Kind) bool { return k == native.KindInt || k == native.KindReal }

func (p *program) infer(d *fnDecl, e ast.Expr, env map[string]native.Kind) (native.Kind, *compileError) {
	pos := int(e.Pos())
	switch x := e.(type) {
	case *ast.BasicLit:
		switch x.Kind {
		case token.INT:
			return native.KindInt, nil
		case token.FLOAT:
			return native.KindReal, nil
		case token.STRING:
			return native.KindString, nil
		}
		return 0, errAt(d.file, d.line, pos, "unsupported literal %s", x.Value)
	case *ast.Ident:
		if x.Name == "true" || x.Name == "false" {
			return native.KindBool, nil
		}
		if k, ok := env[x.Name]; ok {
			return k, nil
		}
		return 0, errAt(d.file, d.line, pos, "undefined: %s", x.Name)
	case *ast.ParenExpr:
		return p.infer(d, x.X, env)
	case *ast.UnaryExpr:
		k, cerr := p.infer(d, x.X, env)
		if cerr != nil {
			return 0, cerr
		}
		switch {
		case (x.Op == token.SUB || x.Op == token.ADD) && isNumeric(k):
			return k, nil
		case x.Op == token.NOT && k == native.KindBool:
			return k, nil
		}
		return 0, errAt(d.file, d.line, pos, "invalid operation %s%s", x.Op, k)
	case *ast.BinaryExpr:
		l, cerr := p.infer(d, x.X, env)
		if cerr != nil {
			return 0, cerr
		}
		r, cerr := p.infer(d, x.Y, env)
		if cerr != nil {
			return 0, cerr
		}
		switch x.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO:
			if isNumeric(l) && isNumeric(r) {
				if l == native.KindReal || r == native.KindReal {
					return native.KindReal, nil
				}
				return native.KindInt, nil
			}
			if x.Op == token.ADD && l == native.KindString && r == native.KindString {
				return native.KindString, nil
			}
		case token.REM:
			if l == native.KindInt && r == native.KindInt {
				return native.KindInt, nil
			}
		case token.EQL, token.NEQ:
			if l == r || (isNumeric(l) && isNumeric(r)) {
				return native.KindBool, nil
			}
		case token.LSS, token.LEQ, token.GTR, token.GEQ:
			if (isNumeric(l) && isNumeric(r)) || (l == native.KindString && r == native.KindString) {
				return native.KindBool, nil
			}
		case token.LAND, token.LOR:
			if l == native.KindBool && r == native.KindBool {
				return native.KindBool, nil
			}
		}
		return 0, errAt(d.file, d.line, pos, "invalid operation: %s %s %s", l, x.Op, r)
	case *ast.CallExpr:
		id, ok := x.Fun.(*ast.Ident)
		if !ok {
			return 0, errAt(d.file, d.line, pos, "unsupported call expression")
		}
		callee, ok := p.lookup(d.file, id.Name)
		if !ok {
			return 0, errAt(d.file, d.line, pos, "undefined: %s", id.Name)
		}
		if len(x.Args) != len(callee.params) {
			return 0, errAt(d.file, d.line, pos, "%s expects %d arguments, got %d", id.Name, len(callee.params), len(x.Args))
		}
		for i, a := range x.Args {
			k, cerr := p.infer(d, a, env)
			if cerr != nil {
				return 0, cerr
			}
			want := callee.params[i].kind
			if k != want && !(k == native.KindInt && want == native.KindReal) {
				return 0, errAt(d.file, d.line, int(a.Pos()), "argument %d of %s: have %s, want %s", i+1, id.Name, k, want)
			}
		}
		if callee.name == "main" && callee.result == native.KindVoid && callee.body != nil && callee.body.expr != nil {
			return p.infer(callee, callee.body.expr, map[string]native.Kind{})
		}
		return callee.result, nil
	}
	return 0, errAt(d.file, d.line, pos, "unsupported expression")
}

// runtimeFault is a script-raised failure with its normalized status.
type runtimeFault struct {
	status native.Status
	err    native.RawError
	stack  []native.Frame // innermost first
}

func fault(d *fnDecl, status native.Status, format string, args ...any) *runtimeFault {
	return &runtimeFault{status: status, err: native.RawError{
		File: d.file,
		Func: d.name,
		Line: d.line,
		Code: int(status),
		Msg:  fmt.Sprintf(format, args...),
	}}
}

// externCaller invokes a host function with constant arguments.
type externCaller func(d *fnDecl, args []constant.Value) (constant.Value, *runtimeFault)

const maxDepth = 64

type evaluator struct {
	prog   *program
	extern externCaller
	frames []*fnDecl
}

func (ev *evaluator) invoke(d *fnDecl, args []constant.Value) (constant.Value, *runtimeFault) {
	if d.body == nil {
		return ev.extern(d, args)
	}
	ev.frames = append(ev.frames, d)
	defer func() { ev.frames = ev.frames[:len(ev.frames)-1] }()
	v, f := ev.body(d, args)
	if f != nil && f.stack == nil {
		f.stack = ev.trace()
	}
	return v, f
}

// trace lists the active frames, innermost first.
func (ev *evaluator) trace() []native.Frame {
	out := make([]native.Frame, 0, len(ev.frames))
	for i := len(ev.frames) - 1; i >= 0; i-- {
		d := ev.frames[i]
		out = append(out, native.Frame{File: d.file, Func: d.name, Line: d.line})
	}
	return out
}

func (ev *evaluator) body(d *fnDecl, args []constant.Value) (constant.Value, *runtimeFault) {
	if len(ev.frames) > maxDepth {
		return nil, fault(d, native.StatusExhausted, "stack overflow")
	}
	switch d.body.kind {
	case stmtError:
		return nil, fault(d, native.StatusRuntime, "%s", d.body.msg)
	case stmtExhaust:
		return nil, fault(d, native.StatusExhausted, "out of memory")
	case stmtExit:
		if d.body.code == 0 {
			return constant.MakeUnknown(), nil
		}
		f := fault(d, native.StatusRuntime, "exit %d", d.body.code)
		f.err.Code = d.body.code
		return nil, f
	case stmtTrap:
		return nil, fault(d, native.Status(-1), "unreachable")
	}
	if d.body.expr == nil {
		return constant.MakeUnknown(), nil
	}
	env := make(map[string]constant.Value, len(d.params))
	for i, p := range d.params {
		env[p.name] = args[i]
	}
	return ev.eval(d, d.body.expr, env)
}

func (ev *evaluator) eval(d *fnDecl, e ast.Expr, env map[string]constant.Value) (constant.Value, *runtimeFault) {
	switch x := e.(type) {
	case *ast.BasicLit:
		return constant.MakeFromLiteral(x.Value, x.Kind, 0), nil
	case *ast.Ident:
		switch x.Name {
		case "true":
			return constant.MakeBool(true), nil
		case "false":
			return constant.MakeBool(false), nil
		}
		return env[x.Name], nil
	case *ast.ParenExpr:
		return ev.eval(d, x.X, env)
	case *ast.UnaryExpr:
		v, f := ev.eval(d, x.X, env)
		if f != nil {
			return nil, f
		}
		return constant.UnaryOp(x.Op, v, 0), nil
	case *ast.BinaryExpr:
		l, f := ev.eval(d, x.X, env)
		if f != nil {
			return nil, f
		}
		switch x.Op {
		case token.LAND:
			if !constant.BoolVal(l) {
				return l, nil
			}
			return ev.eval(d, x.Y, env)
		case token.LOR:
			if constant.BoolVal(l) {
				return l, nil
			}
			return ev.eval(d, x.Y, env)
		}
		r, f := ev.eval(d, x.Y, env)
		if f != nil {
			return nil, f
		}
		switch x.Op {
		case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
			return constant.MakeBool(constant.Compare(l, x.Op, r)), nil
		case token.QUO, token.REM:
			if constant.Sign(r) == 0 {
				return nil, fault(d, native.StatusRuntime, "division by zero")
			}
			if x.Op == token.QUO && l.Kind() == constant.Int && r.Kind() == constant.Int {
				return constant.BinaryOp(l, token.QUO_ASSIGN, r), nil
			}
		}
		return constant.BinaryOp(l, x.Op, r), nil
	case *ast.CallExpr:
		callee, _ := ev.prog.lookup(d.file, x.Fun.(*ast.Ident).Name)
		args := make([]constant.Value, len(x.Args))
		for i, a := range x.Args {
			v, f := ev.eval(d, a, env)
			if f != nil {
				return nil, f
			}
			if callee.params[i].kind == native.KindReal {
				v = constant.ToFloat(v)
			}
			args[i] = v
		}
		return ev.invoke(callee, args)
	}
	return nil, fault(d, native.StatusRuntime, "unsupported expression")
}
