package engine

import (
	"fmt"
	"net/url"

	"github.com/dop251/goja"
)

// Predicate is a JavaScript expression deciding whether a URL is a result
// page. The expression sees a single object:
//
//	url = {host: "www.google.com", path: "/search", params: {q: "..."}}
//
// and must evaluate to a truthy value for result pages.
type Predicate struct {
	src  string
	prog *goja.Program
}

// CompilePredicate compiles src.
func CompilePredicate(src string) (*Predicate, error) {
	prog, err := goja.Compile("serp_predicate", "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("compiling SERP predicate %q: %w", src, err)
	}
	return &Predicate{src: src, prog: prog}, nil
}

// Eval evaluates the predicate for u. Evaluation errors count as false.
func (p *Predicate) Eval(u *url.URL) (ok bool) {
	if p == nil || u == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	params := make(map[string]any)
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	rt := goja.New()
	if err := rt.Set("url", map[string]any{
		"host":   u.Hostname(),
		"path":   u.Path,
		"params": params,
	}); err != nil {
		return false
	}
	v, err := rt.RunProgram(p.prog)
	if err != nil {
		return false
	}
	return v.ToBoolean()
}

func (p *Predicate) String() string { return p.src }
