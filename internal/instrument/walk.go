package instrument

import (
	"reflect"

	"github.com/dop251/goja/ast"
)

var astPkg = reflect.TypeFor[ast.Program]().PkgPath()

// walk calls visit for every AST node reachable from n in depth-first
// pre-order. Children are skipped when visit returns false. Declaration lists
// are not followed, they alias nodes already present in the tree.
func walk(n any, visit func(n any) bool) {
	walkValue(reflect.ValueOf(n), visit)
}

func walkValue(v reflect.Value, visit func(any) bool) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			walkValue(v.Elem(), visit)
		}
	case reflect.Pointer:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct || v.Elem().Type().PkgPath() != astPkg {
			return
		}
		if !visit(v.Interface()) {
			return
		}
		walkFields(v.Elem(), visit)
	case reflect.Struct:
		if v.Type().PkgPath() == astPkg {
			walkFields(v, visit)
		}
	case reflect.Slice:
		for i := range v.Len() {
			walkValue(v.Index(i), visit)
		}
	}
}

func walkFields(v reflect.Value, visit func(any) bool) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Name == "DeclarationList" {
			continue
		}
		walkValue(v.Field(i), visit)
	}
}

func firstFunction(prog *ast.Program) *ast.FunctionLiteral {
	var ret *ast.FunctionLiteral
	walk(prog, func(n any) bool {
		if ret != nil {
			return false
		}
		if fn, ok := n.(*ast.FunctionLiteral); ok {
			ret = fn
			return false
		}
		return true
	})
	return ret
}
