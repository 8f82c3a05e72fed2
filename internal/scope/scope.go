// Package scope decides whether a requested set of permission scopes is
// contained in a bounding set. It is a pure function package: no storage,
// no side effects.
package scope

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ExceededError reports requested scopes that are not contained in the bound.
type ExceededError struct {
	Exceeded []string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("requested scopes exceed bound: %s", strings.Join(e.Exceeded, ", "))
}

// Validate checks that every requested scope is contained in bound. A bound
// entry may be a glob pattern (e.g. "crm:*"), in which case it covers every
// requested scope it matches. Requested entries are always literal.
//
// An empty requested set is rejected here; workflows that permit general
// access (a service advertising no scopes) must check that case before
// calling Validate.
func Validate(requested, bound []string) error {
	if len(requested) == 0 {
		return &ExceededError{Exceeded: []string{"(empty request)"}}
	}

	var exceeded []string
	for _, req := range requested {
		if !contained(req, bound) {
			exceeded = append(exceeded, req)
		}
	}
	if len(exceeded) > 0 {
		return &ExceededError{Exceeded: exceeded}
	}
	return nil
}

func contained(req string, bound []string) bool {
	for _, b := range bound {
		if b == req {
			return true
		}
		if strings.ContainsAny(b, "*?[{") {
			if ok, err := doublestar.Match(b, req); err == nil && ok {
				return true
			}
		}
	}
	return false
}
