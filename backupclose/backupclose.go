// Package backupclose defines an analyzer checking that online backups are closed.
//
// A backup holds a write transaction on its destination until it is closed.
// Forgetting to close it locks the destination database for the lifetime of the connection.
//
// The analyzer reports backups created by NewBackup, NewMainBackup or Conn.BackupFrom that are
// discarded, or stored in a local variable on which Close is never called.
// A backup returned, passed to a function, or stored elsewhere is assumed closed by its new owner.
package backupclose

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/types/typeutil"
)

// PkgPath is the import path of the package defining backups.
var PkgPath = "github.com/TroutSoftware/litebackup"

var Analyzer = &analysis.Analyzer{
	Name:     "backupclose",
	Doc:      `check that online backups are closed`,
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

var constructors = map[string]bool{
	"NewBackup":     true,
	"NewMainBackup": true,
	"BackupFrom":    true,
}

// isConstructor reports whether call starts a backup, and returns the function name.
func isConstructor(info *types.Info, call *ast.CallExpr) (string, bool) {
	fn, ok := typeutil.Callee(info, call).(*types.Func)
	if !ok || fn.Pkg() == nil || fn.Pkg().Path() != PkgPath {
		return "", false
	}
	return fn.Name(), constructors[fn.Name()]
}

type tracked struct {
	call   *ast.CallExpr
	name   string
	closed bool
	moved  bool
}

func run(pass *analysis.Pass) (any, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	backups := make(map[types.Object]*tracked)
	var order []types.Object // stable report order

	creations := []ast.Node{(*ast.AssignStmt)(nil), (*ast.ValueSpec)(nil), (*ast.ExprStmt)(nil)}
	inspect.Preorder(creations, func(node ast.Node) {
		var lhs []ast.Expr
		var rhs []ast.Expr

		switch n := node.(type) {
		case *ast.ExprStmt:
			call, ok := n.X.(*ast.CallExpr)
			if !ok {
				return
			}
			if name, ok := isConstructor(pass.TypesInfo, call); ok {
				pass.ReportRangef(call, "result of %s is discarded: the backup is never closed", name)
			}
			return
		case *ast.AssignStmt:
			lhs, rhs = n.Lhs, n.Rhs
		case *ast.ValueSpec:
			for _, id := range n.Names {
				lhs = append(lhs, id)
			}
			rhs = n.Values
		}

		// constructors return (backup, error), so only the v, err := f() form applies
		if len(rhs) != 1 || len(lhs) != 2 {
			return
		}
		call, ok := ast.Unparen(rhs[0]).(*ast.CallExpr)
		if !ok {
			return
		}
		name, ok := isConstructor(pass.TypesInfo, call)
		if !ok {
			return
		}

		id, ok := lhs[0].(*ast.Ident)
		if !ok {
			return // stored in a field or an element: owned by someone else
		}
		if id.Name == "_" {
			pass.ReportRangef(call, "result of %s is discarded: the backup is never closed", name)
			return
		}

		obj := pass.TypesInfo.Defs[id]
		if obj == nil {
			obj = pass.TypesInfo.Uses[id]
		}
		if obj == nil || obj.Parent() == obj.Pkg().Scope() {
			return // package-level variables live until the program exits
		}
		if _, seen := backups[obj]; !seen {
			order = append(order, obj)
		}
		backups[obj] = &tracked{call: call, name: name}
	})

	if len(backups) == 0 {
		return nil, nil
	}

	inspect.WithStack([]ast.Node{(*ast.Ident)(nil)}, func(node ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		id := node.(*ast.Ident)
		b := backups[pass.TypesInfo.Uses[id]]
		if b == nil || len(stack) < 2 {
			return true
		}

		switch parent := stack[len(stack)-2].(type) {
		case *ast.SelectorExpr:
			if parent.X == id && parent.Sel.Name == "Close" {
				b.closed = true
			}
		case *ast.BinaryExpr:
			if parent.Op != token.EQL && parent.Op != token.NEQ {
				b.moved = true
			}
		case *ast.AssignStmt:
			for _, l := range parent.Lhs {
				if l == id {
					return true // reassigned, not moved
				}
			}
			b.moved = true
		default:
			b.moved = true
		}
		return true
	})

	for _, obj := range order {
		b := backups[obj]
		if !b.closed && !b.moved {
			pass.ReportRangef(b.call, "backup %s created by %s is never closed", obj.Name(), b.name)
		}
	}
	return nil, nil
}
