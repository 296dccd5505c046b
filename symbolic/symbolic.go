// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package symbolic implements an integer expression algebra over bound
// variables with known ranges. An expression is either a concrete Int or a
// tree of sum, scaled, floor-division, modulo, comparison and conjunction
// nodes. Expressions are immutable values: all operations build new trees
// and aggressively constant-fold so that affine index computations reduce
// to sums of variable-times-constant terms.
package symbolic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Sint is an integer quantity that is either a concrete Int or a symbolic
// expression. Every expression carries static bounds: Min is always a
// concrete integer while Max may itself be symbolic when the expression
// ranges over variables with symbolic upper bounds.
type Sint interface {
	fmt.Stringer
	// Min returns the static lower bound of the expression.
	Min() int
	// Max returns the static upper bound of the expression.
	Max() Sint
	collectVars(vs map[string]*Var)
	subst(m map[string]Sint) Sint
}

// Int is a concrete integer. Its bounds are itself.
type Int int

// String returns the decimal representation of the integer.
func (i Int) String() string { return strconv.Itoa(int(i)) }

// Min returns the value itself.
func (i Int) Min() int { return int(i) }

// Max returns the value itself.
func (i Int) Max() Sint { return i }

func (i Int) collectVars(map[string]*Var) {}

func (i Int) subst(map[string]Sint) Sint { return i }

// Ints converts concrete integers into a slice of Sint values.
func Ints(xs ...int) []Sint {
	r := make([]Sint, len(xs))
	for i, x := range xs {
		r[i] = Int(x)
	}
	return r
}

// AsInt returns the concrete value of an expression, or false if the
// expression is symbolic.
func AsInt(x Sint) (int, bool) {
	i, ok := x.(Int)
	return int(i), ok
}

// Var is a bound variable: a name together with an inclusive [lo,hi] range
// and an optional bound concrete value.
type Var struct {
	name string
	lo   int
	hi   Sint
	val  *int
}

var _ Sint = (*Var)(nil)

// NewVar returns a new variable with the given inclusive range.
func NewVar(name string, lo int, hi Sint) *Var {
	if h, ok := AsInt(hi); ok && h < lo {
		panic(errors.Errorf("variable %s has empty range [%d,%d]", name, lo, h))
	}
	return &Var{name: name, lo: lo, hi: hi}
}

// Name returns the name of the variable.
func (v *Var) Name() string { return v.name }

// String returns the name of the variable.
func (v *Var) String() string { return v.name }

// Min returns the lower bound of the variable range.
func (v *Var) Min() int { return v.lo }

// Max returns the upper bound of the variable range.
func (v *Var) Max() Sint { return v.hi }

// Bind returns a copy of the variable bound to a concrete value.
func (v *Var) Bind(val int) (*Var, error) {
	if v.val != nil {
		return nil, errors.Errorf("variable %s is already bound to %d", v.name, *v.val)
	}
	if h, ok := AsInt(v.hi); ok && (val < v.lo || val > h) {
		return nil, errors.Errorf("cannot bind %s to %d: outside range [%d,%d]", v.name, val, v.lo, h)
	}
	return &Var{name: v.name, lo: v.lo, hi: v.hi, val: &val}, nil
}

// Value returns the bound value of the variable, or false if unbound.
func (v *Var) Value() (int, bool) {
	if v.val == nil {
		return 0, false
	}
	return *v.val, true
}

// Unbind returns the variable stripped of its bound value together with
// that value. Unbound variables are returned as is.
func (v *Var) Unbind() (*Var, int, bool) {
	if v.val == nil {
		return v, 0, false
	}
	return &Var{name: v.name, lo: v.lo, hi: v.hi}, *v.val, true
}

func (v *Var) collectVars(vs map[string]*Var) { vs[v.name] = v }

func (v *Var) subst(m map[string]Sint) Sint {
	if r, ok := m[v.name]; ok {
		return r
	}
	return v
}

// mulNode is an expression scaled by a factor, usually a constant.
type mulNode struct {
	a, b Sint
	bounds
}

// divNode is the floor division of an expression by a positive constant.
// The numerator is never negative.
type divNode struct {
	a Sint
	b int
	bounds
}

// modNode is the remainder of an expression by a positive constant.
// The numerator is never negative.
type modNode struct {
	a Sint
	b int
	bounds
}

// ltNode is a 0/1-valued comparison of an expression against a bound.
type ltNode struct {
	a, b Sint
	bounds
}

// sumNode is a flattened weighted sum of expressions.
type sumNode struct {
	nodes []Sint
	bounds
}

// andNode is a 0/1-valued conjunction of boolean expressions.
type andNode struct {
	nodes []Sint
	bounds
}

type bounds struct {
	min int
	max Sint
}

func (b bounds) Min() int  { return b.min }
func (b bounds) Max() Sint { return b.max }

func (n *mulNode) String() string {
	return fmt.Sprintf("(%s*%s)", n.a.String(), n.b.String())
}

func (n *divNode) String() string {
	return fmt.Sprintf("(%s//%d)", n.a.String(), n.b)
}

func (n *modNode) String() string {
	return fmt.Sprintf("(%s%%%d)", n.a.String(), n.b)
}

func (n *ltNode) String() string {
	return fmt.Sprintf("(%s<%s)", n.a.String(), n.b.String())
}

func renderSeq(op string, nodes []Sint) string {
	strs := make([]string, len(nodes))
	for i, n := range nodes {
		strs[i] = n.String()
	}
	return "(" + strings.Join(strs, op) + ")"
}

func (n *sumNode) String() string { return renderSeq("+", n.nodes) }

func (n *andNode) String() string { return renderSeq(" and ", n.nodes) }

func (n *mulNode) collectVars(vs map[string]*Var) {
	n.a.collectVars(vs)
	n.b.collectVars(vs)
}

func (n *divNode) collectVars(vs map[string]*Var) { n.a.collectVars(vs) }

func (n *modNode) collectVars(vs map[string]*Var) { n.a.collectVars(vs) }

func (n *ltNode) collectVars(vs map[string]*Var) {
	n.a.collectVars(vs)
	n.b.collectVars(vs)
}

func (n *sumNode) collectVars(vs map[string]*Var) {
	for _, x := range n.nodes {
		x.collectVars(vs)
	}
}

func (n *andNode) collectVars(vs map[string]*Var) {
	for _, x := range n.nodes {
		x.collectVars(vs)
	}
}

func (n *mulNode) subst(m map[string]Sint) Sint {
	return Mul(n.a.subst(m), n.b.subst(m))
}

func (n *divNode) subst(m map[string]Sint) Sint {
	return Div(n.a.subst(m), Int(n.b))
}

func (n *modNode) subst(m map[string]Sint) Sint {
	return Mod(n.a.subst(m), Int(n.b))
}

func (n *ltNode) subst(m map[string]Sint) Sint {
	return Lt(n.a.subst(m), n.b.subst(m))
}

func (n *sumNode) subst(m map[string]Sint) Sint {
	nodes := make([]Sint, len(n.nodes))
	for i, x := range n.nodes {
		nodes[i] = x.subst(m)
	}
	return Sum(nodes...)
}

func (n *andNode) subst(m map[string]Sint) Sint {
	nodes := make([]Sint, len(n.nodes))
	for i, x := range n.nodes {
		nodes[i] = x.subst(m)
	}
	return Ands(nodes...)
}

// Vars returns the free variables of an expression, sorted by name.
// Variables are deduplicated by name.
func Vars(xs ...Sint) []*Var {
	vs := make(map[string]*Var)
	for _, x := range xs {
		if x == nil {
			continue
		}
		x.collectVars(vs)
	}
	r := maps.Values(vs)
	sort.Slice(r, func(i, j int) bool { return r[i].name < r[j].name })
	return r
}

// Substitute replaces variables, identified by name, with expressions.
// The result is re-simplified bottom-up: substituting concrete values for
// every variable folds the expression to an Int.
func Substitute(x Sint, m map[string]Sint) Sint {
	return x.subst(m)
}

// Equal reports whether two expressions are structurally equal.
func Equal(x, y Sint) bool {
	if xi, ok := AsInt(x); ok {
		yi, ok := AsInt(y)
		return ok && xi == yi
	}
	return x.String() == y.String()
}

const maxBoundIterations = 64

// ResolveMax resolves the static upper bound of an expression down to a
// concrete integer by repeatedly taking the bound of the bound. The
// iteration is capped: an error is returned if the bounds do not converge.
func ResolveMax(x Sint) (int, error) {
	for iter := 0; iter < maxBoundIterations; iter++ {
		if i, ok := AsInt(x); ok {
			return i, nil
		}
		next := x.Max()
		if Equal(next, x) {
			return 0, errors.Errorf("upper bound of %s does not resolve to a constant", x)
		}
		x = next
	}
	return 0, errors.Errorf("upper bound did not converge after %d iterations", maxBoundIterations)
}
