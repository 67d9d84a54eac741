package foxl

import (
	"os"
	"path/filepath"
	"strings"
)

// execInclude implements IncludeStmt: open the named file, lex and parse it,
// and interpret its statements directly into env — lexical inclusion, not a
// separate scope or a module object. Target is accepted by the grammar for
// a dotted-member chain but has nothing to bind to, so it is otherwise
// unused here.
//
// A file already on the current include stack is a cycle, reported as an
// IoError rather than left to recurse until the process runs out of stack.
// The stack mirrors the active load stack (loadStack) of the reference
// loader this is grounded on.
func (e *Evaluator) execInclude(inc *IncludeStmt, env *Environment) error {
	canon, err := filepath.Abs(inc.Path)
	if err != nil {
		return &IoError{Line: inc.line, Msg: "cannot resolve '" + inc.Path + "': " + err.Error()}
	}

	for _, active := range e.includeStack {
		if active == canon {
			return &IoError{Line: inc.line, Msg: "include cycle detected: " + joinIncludeCycle(e.includeStack, canon)}
		}
	}

	src, err := os.ReadFile(inc.Path)
	if err != nil {
		return &IoError{Line: inc.line, Msg: "cannot open '" + inc.Path + "': " + err.Error()}
	}
	if e.Logger != nil {
		e.Logger.Debug("include resolved", "path", inc.Path, "canonical", canon, "line", inc.line)
	}

	p, err := NewParser(string(src))
	if err != nil {
		return &IoError{Line: inc.line, Msg: "cannot lex '" + inc.Path + "': " + err.Error()}
	}
	stmts, err := p.ParseProgram()
	if err != nil {
		return &IoError{Line: inc.line, Msg: "cannot parse '" + inc.Path + "': " + err.Error()}
	}

	e.includeStack = append(e.includeStack, canon)
	defer func() { e.includeStack = e.includeStack[:len(e.includeStack)-1] }()

	for _, s := range stmts {
		c, err := e.execStmt(s, env)
		if err != nil {
			return err
		}
		if c.isReturn {
			return &IoError{Line: inc.line, Msg: "'" + inc.Path + "' returned outside of a function body"}
		}
	}
	return nil
}

func joinIncludeCycle(stack []string, again string) string {
	i := 0
	for idx, s := range stack {
		if s == again {
			i = idx
			break
		}
	}
	chain := append(append([]string(nil), stack[i:]...), again)
	names := make([]string, len(chain))
	for k, s := range chain {
		names[k] = filepath.Base(s)
	}
	return strings.Join(names, " -> ")
}
