package validator

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// walk visits every message reachable from m, depth first. Returning false
// from visit skips the message's children.
func walk(m protoreflect.Message, visit func(proto.Message) bool) {
	if !m.IsValid() {
		return
	}
	if !visit(m.Interface()) {
		return
	}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			return true
		}
		switch {
		case fd.IsMap():
		case fd.IsList():
			l := v.List()
			for i := 0; i < l.Len(); i++ {
				walk(l.Get(i).Message(), visit)
			}
		default:
			walk(v.Message(), visit)
		}
		return true
	})
}

// facts is what the checks need to know about a parsed statement.
type facts struct {
	relations []*pg_query.RangeVar
	ctes      map[string]struct{}
	functions []string

	writes      bool // INSERT/UPDATE/DELETE/MERGE anywhere, including CTEs
	selectInto  bool
	lockingRead bool
	hasWhere    bool
	hasStar     bool
}

func collect(stmt *pg_query.Node) facts {
	f := facts{ctes: map[string]struct{}{}}
	walk(stmt.ProtoReflect(), func(m proto.Message) bool {
		switch n := m.(type) {
		case *pg_query.RangeVar:
			f.relations = append(f.relations, n)
		case *pg_query.CommonTableExpr:
			f.ctes[n.Ctename] = struct{}{}
		case *pg_query.FuncCall:
			if name := funcName(n); name != "" {
				f.functions = append(f.functions, name)
			}
		case *pg_query.InsertStmt, *pg_query.UpdateStmt, *pg_query.DeleteStmt, *pg_query.MergeStmt:
			f.writes = true
		case *pg_query.SelectStmt:
			if n.IntoClause != nil {
				f.selectInto = true
			}
			if len(n.LockingClause) > 0 {
				f.lockingRead = true
			}
			if n.WhereClause != nil {
				f.hasWhere = true
			}
		case *pg_query.ColumnRef:
			for _, field := range n.Fields {
				if field.GetAStar() != nil {
					f.hasStar = true
				}
			}
		}
		return true
	})
	return f
}

// funcName is the unqualified, lower-cased function name.
func funcName(fc *pg_query.FuncCall) string {
	if len(fc.Funcname) == 0 {
		return ""
	}
	last := fc.Funcname[len(fc.Funcname)-1]
	return strings.ToLower(last.GetString_().GetSval())
}

func qualifiedName(rv *pg_query.RangeVar) string {
	name := rv.Relname
	if rv.Schemaname != "" {
		name = rv.Schemaname + "." + name
	}
	if rv.Catalogname != "" {
		name = rv.Catalogname + "." + name
	}
	return name
}
