package clickhouse

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Fragment One composable piece of a statement: SQL text with @name
// placeholders and the named params it binds. Fragments merge bottom-up
// into the final statement; a param name claimed by two different values
// is a composition bug and fails loudly instead of silently overwriting.
type Fragment struct {
	Stmnt  string
	Params map[string]interface{}
}

func newFragment(stmnt string, params map[string]interface{}) Fragment {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Fragment{Stmnt: stmnt, Params: params}
}

// paramNamer Hands out collision-free param names within one compiled
// statement. Local to the compilation so repeated compiles of the same
// filter produce identical SQL.
type paramNamer struct {
	prefix  string
	counter int
}

func newParamNamer(prefix string) *paramNamer {
	return &paramNamer{prefix: prefix}
}

func (n *paramNamer) next() string {
	n.counter++
	return fmt.Sprintf("%s_%d", n.prefix, n.counter)
}

// mergeParams Folds src params into dst, failing on any name bound to a
// different value.
func mergeParams(dst, src map[string]interface{}) error {
	for name, value := range src {
		if existing, exists := dst[name]; exists {
			if fmt.Sprintf("%v", existing) != fmt.Sprintf("%v", value) {
				return errors.Errorf("statement param %q bound twice with different values", name)
			}
			continue
		}
		dst[name] = value
	}
	return nil
}

// joinFragments Joins fragment statements with the separator and merges
// their params.
func joinFragments(fragments []Fragment, separator string) (Fragment, error) {
	stmnts := make([]string, 0, len(fragments))
	params := map[string]interface{}{}
	for _, fragment := range fragments {
		if fragment.Stmnt == "" {
			continue
		}
		stmnts = append(stmnts, fragment.Stmnt)
		if err := mergeParams(params, fragment.Params); err != nil {
			return Fragment{}, err
		}
	}
	return Fragment{Stmnt: strings.Join(stmnts, separator), Params: params}, nil
}

func joinWithComma(stmnts ...string) string {
	nonEmpty := make([]string, 0, len(stmnts))
	for _, stmnt := range stmnts {
		if stmnt != "" {
			nonEmpty = append(nonEmpty, stmnt)
		}
	}
	return strings.Join(nonEmpty, ", ")
}

func as(alias, stmnt string) string {
	return fmt.Sprintf("%s AS %s", stmnt, alias)
}

func appendStatement(stmnt, append string) string {
	if stmnt == "" {
		return append
	}
	if append == "" {
		return stmnt
	}
	return stmnt + " " + append
}

// sortedParamNames Stable param order for logging and tests.
func sortedParamNames(params map[string]interface{}) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
