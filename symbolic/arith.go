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

package symbolic

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gx-org/shapetrack/base/ordered"
)

// fdiv is division rounding towards negative infinity.
func fdiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// fmod is the remainder matching fdiv: its sign follows the divisor.
func fmod(a, b int) int {
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// Add returns the sum of two expressions.
func Add(x, y Sint) Sint { return Sum(x, y) }

// Sub returns the difference of two expressions.
func Sub(x, y Sint) Sint { return Sum(x, Neg(y)) }

// Neg returns the negation of an expression.
func Neg(x Sint) Sint { return Mul(x, Int(-1)) }

// Sum returns the sum of the expressions. Nested sums are flattened,
// constants folded and terms sharing the same expression part have their
// coefficients combined; a coefficient of zero drops the term.
func Sum(xs ...Sint) Sint {
	type group struct {
		a     Sint
		coeff Sint
	}
	groups := ordered.NewMap[string, *group]()
	num := 0
	add := func(a, coeff Sint) {
		key := a.String()
		if g, ok := groups.Load(key); ok {
			g.coeff = addCoeff(g.coeff, coeff)
			return
		}
		groups.Store(key, &group{a: a, coeff: coeff})
	}
	var walk func(xs []Sint)
	walk = func(xs []Sint) {
		for _, x := range xs {
			switch n := x.(type) {
			case Int:
				num += int(n)
			case *sumNode:
				walk(n.nodes)
			case *mulNode:
				add(n.a, n.b)
			default:
				add(x, Int(1))
			}
		}
	}
	walk(xs)
	var terms []Sint
	groups.Iter()(func(_ string, g *group) bool {
		if c, ok := AsInt(g.coeff); ok {
			switch c {
			case 0:
				return true
			case 1:
				terms = append(terms, g.a)
				return true
			}
		}
		terms = append(terms, newMul(g.a, g.coeff))
		return true
	})
	if num != 0 {
		terms = append(terms, Int(num))
	}
	switch len(terms) {
	case 0:
		return Int(0)
	case 1:
		return terms[0]
	}
	return newSum(terms)
}

func addCoeff(x, y Sint) Sint {
	if xi, ok := AsInt(x); ok {
		if yi, ok := AsInt(y); ok {
			return Int(xi + yi)
		}
	}
	return Sum(x, y)
}

// Mul returns the product of two expressions. Products distribute over
// sums and nested constant factors combine into one.
func Mul(x, y Sint) Sint {
	if xi, okX := AsInt(x); okX {
		if yi, okY := AsInt(y); okY {
			return Int(xi * yi)
		}
		// keep the constant factor on the right
		return Mul(y, x)
	}
	if yi, ok := AsInt(y); ok {
		switch yi {
		case 0:
			return Int(0)
		case 1:
			return x
		}
	}
	switch n := x.(type) {
	case *mulNode:
		return Mul(n.a, Mul(n.b, y))
	case *sumNode:
		terms := make([]Sint, len(n.nodes))
		for i, t := range n.nodes {
			terms[i] = Mul(t, y)
		}
		return Sum(terms...)
	case *ltNode:
		if yi, ok := AsInt(y); ok && yi > 0 {
			return Lt(Mul(n.a, y), Mul(n.b, y))
		}
	}
	return newMul(x, y)
}

// Div returns the floor division of an expression by a divisor.
// A symbolic divisor is only supported when the quotient is statically
// known; anything else is a contract violation and panics.
func Div(x, y Sint) Sint {
	if yi, ok := AsInt(y); ok {
		return divInt(x, yi, true)
	}
	if Equal(x, y) {
		return Int(1)
	}
	if xm, ok := AsInt(x.Max()); ok && x.Min() >= 0 && y.Min()-xm > 0 {
		return Int(0)
	}
	panic(errors.Errorf("unsupported division: %s // %s", x, y))
}

func divInt(x Sint, b int, factoring bool) Sint {
	if b == 0 {
		panic(errors.Errorf("division of %s by zero", x))
	}
	if b < 0 {
		return Mul(divInt(x, -b, factoring), Int(-1))
	}
	if b == 1 {
		return x
	}
	if xi, ok := AsInt(x); ok {
		return Int(fdiv(xi, b))
	}
	switch n := x.(type) {
	case *mulNode:
		if bi, ok := AsInt(n.b); ok {
			if bi%b == 0 {
				return Mul(n.a, Int(bi/b))
			}
			if b%bi == 0 && bi > 0 {
				return divInt(n.a, b/bi, false)
			}
		}
	case *divNode:
		// two nested divisions collapse into one
		return divInt(n.a, n.b*b, factoring)
	case *modNode:
		if n.b%b == 0 {
			// move the division inside the modulo
			return modInt(divInt(n.a, b, factoring), n.b/b)
		}
	case *sumNode:
		if factoring {
			return divSum(n, b)
		}
	}
	return divBase(x, b)
}

// divSum factors a sum before dividing it: terms whose coefficient the
// divisor divides exactly split off, and a common factor of the remaining
// coefficients turns one division into two smaller ones.
func divSum(n *sumNode, b int) Sint {
	var fully, rest []Sint
	g := b
	divisor := 1
	for _, x := range n.nodes {
		coeff, isCoeff := termCoeff(x)
		if isCoeff && coeff%b == 0 {
			fully = append(fully, divInt(x, b, true))
			continue
		}
		rest = append(rest, x)
		if !isCoeff {
			g = 1
			continue
		}
		g = gcd(g, coeff)
		if m, ok := x.(*mulNode); ok && divisor == 1 {
			if bi, ok := AsInt(m.b); ok && bi > 0 && b%bi == 0 {
				divisor = bi
			}
		}
	}
	if g > 1 {
		return Sum(Sum(fully...), divInt(divInt(Sum(rest...), g, true), b/g, true))
	}
	if divisor > 1 {
		return Sum(Sum(fully...), divInt(divInt(Sum(rest...), divisor, true), b/divisor, true))
	}
	return Sum(Sum(fully...), divBase(Sum(rest...), b))
}

func divBase(x Sint, b int) Sint {
	if xi, ok := AsInt(x); ok {
		return Int(fdiv(xi, b))
	}
	if x.Min() < 0 {
		// shift the numerator to be non-negative
		offset := fdiv(x.Min(), b)
		return Sum(divInt(Sum(x, Int(-offset*b)), b, false), Int(offset))
	}
	min := fdiv(x.Min(), b)
	if xm, ok := AsInt(x.Max()); ok {
		max := fdiv(xm, b)
		if max == min {
			return Int(min)
		}
		return &divNode{a: x, b: b, bounds: bounds{min: min, max: Int(max)}}
	}
	return &divNode{a: x, b: b, bounds: bounds{min: min, max: Div(x.Max(), Int(b))}}
}

// Mod returns the remainder of an expression by a divisor, following the
// sign of the divisor. A symbolic divisor is only supported when the
// remainder is statically the expression itself or zero.
func Mod(x, y Sint) Sint {
	if yi, ok := AsInt(y); ok {
		return modInt(x, yi)
	}
	if Equal(x, y) {
		return Int(0)
	}
	if xm, ok := AsInt(x.Max()); ok && x.Min() >= 0 && y.Min()-xm > 0 {
		return x
	}
	panic(errors.Errorf("unsupported modulo: %s %% %s", x, y))
}

func modInt(x Sint, b int) Sint {
	if b <= 0 {
		panic(errors.Errorf("modulo of %s by non-positive %d", x, b))
	}
	if b == 1 {
		return Int(0)
	}
	if xi, ok := AsInt(x); ok {
		return Int(fmod(xi, b))
	}
	switch n := x.(type) {
	case *mulNode:
		if bi, ok := AsInt(n.b); ok {
			return modBase(Mul(n.a, Int(fmod(bi, b))), b)
		}
	case *modNode:
		if n.b%b == 0 {
			return modInt(n.a, b)
		}
	case *sumNode:
		// reduce each constant-coefficient term first
		terms := make([]Sint, len(n.nodes))
		for i, t := range n.nodes {
			if _, ok := termCoeff(t); ok {
				terms[i] = modInt(t, b)
			} else {
				terms[i] = t
			}
		}
		return modBase(Sum(terms...), b)
	}
	return modBase(x, b)
}

func modBase(x Sint, b int) Sint {
	if xi, ok := AsInt(x); ok {
		return Int(fmod(xi, b))
	}
	min := x.Min()
	if xm, ok := AsInt(x.Max()); ok {
		if min >= 0 && xm < b {
			return x
		}
		if fdiv(min, b) == fdiv(xm, b) {
			return Sum(x, Int(-b*fdiv(min, b)))
		}
		if min < 0 {
			return modBase(Sum(x, Int(-fdiv(min, b)*b)), b)
		}
	}
	if min < 0 {
		panic(errors.Errorf("modulo of possibly negative %s with symbolic bounds", x))
	}
	return newMod(x, b)
}

// Lt returns the 0/1-valued comparison x < y.
func Lt(x, y Sint) Sint {
	if xi, ok := AsInt(x); ok {
		if yi, ok := AsInt(y); ok {
			return boolInt(xi < yi)
		}
	}
	if n, ok := x.(*sumNode); ok {
		if yi, ok := AsInt(y); ok {
			return sumLt(n, yi)
		}
	}
	return ltBase(x, y)
}

// Ge returns the 0/1-valued comparison x >= y.
func Ge(x, y Sint) Sint {
	return Lt(Neg(x), Sum(Neg(y), Int(1)))
}

// sumLt folds the constant terms of the sum into the bound, then divides
// both sides by the common factor of the coefficients when the leftover
// terms cannot change the outcome.
func sumLt(n *sumNode, b int) Sint {
	var terms []Sint
	for _, t := range n.nodes {
		if ti, ok := t.(Int); ok {
			b -= int(ti)
		} else {
			terms = append(terms, t)
		}
	}
	lhs := Sum(terms...)
	parts := []Sint{lhs}
	if s, ok := lhs.(*sumNode); ok {
		parts = s.nodes
	}
	var muls, others []Sint
	factorable := true
	for _, p := range parts {
		m, ok := p.(*mulNode)
		if !ok {
			others = append(others, p)
			continue
		}
		bi, ok := AsInt(m.b)
		if !ok {
			factorable = false
			break
		}
		if bi > 0 {
			muls = append(muls, p)
		} else {
			others = append(others, p)
		}
	}
	if factorable && len(muls) > 0 {
		g := 0
		for _, m := range muls {
			c, _ := termCoeff(m)
			g = gcd(g, c)
		}
		if g > 1 && b%g == 0 {
			allOthers := Sum(others...)
			if om, ok := AsInt(allOthers.Max()); ok && allOthers.Min() >= 0 && om < g {
				scaled := make([]Sint, len(muls))
				for i, m := range muls {
					scaled[i] = divInt(m, g, false)
				}
				lhs, b = Sum(scaled...), b/g
			}
		}
	}
	if _, ok := lhs.(*sumNode); ok {
		return ltBase(lhs, Int(b))
	}
	return Lt(lhs, Int(b))
}

func ltBase(x, y Sint) Sint {
	if Equal(x, y) {
		return Int(0)
	}
	xm, xmOK := AsInt(x.Max())
	if yi, ok := AsInt(y); ok {
		if xmOK && xm < yi {
			return Int(1)
		}
		if x.Min() >= yi {
			return Int(0)
		}
	} else {
		if xmOK && xm < y.Min() {
			return Int(1)
		}
		if ym, ok := AsInt(y.Max()); ok && x.Min() >= ym {
			return Int(0)
		}
	}
	return &ltNode{a: x, b: y, bounds: bounds{min: 0, max: Int(1)}}
}

// Ands returns the conjunction of 0/1-valued expressions. An empty
// conjunction is statically true; a single statically false component
// makes the whole conjunction false and statically true components are
// dropped.
func Ands(xs ...Sint) Sint {
	var nodes []Sint
	for _, x := range xs {
		if mi, ok := AsInt(x.Max()); ok {
			if x.Min() == 0 && mi == 0 {
				return Int(0)
			}
			if x.Min() == mi {
				continue
			}
		}
		if and, ok := x.(*andNode); ok {
			nodes = append(nodes, and.nodes...)
		} else {
			nodes = append(nodes, x)
		}
	}
	switch len(nodes) {
	case 0:
		return Int(1)
	case 1:
		return nodes[0]
	}
	min, max := nodes[0].Min(), 0
	for _, n := range nodes {
		if n.Min() < min {
			min = n.Min()
		}
		if mi, ok := AsInt(n.Max()); ok && mi > max {
			max = mi
		} else if !ok {
			max = 1
		}
	}
	return &andNode{nodes: nodes, bounds: bounds{min: min, max: Int(max)}}
}

// Prod returns the product of the expressions. An empty product is one.
func Prod(xs []Sint) Sint {
	r := Sint(Int(1))
	for _, x := range xs {
		r = Mul(r, x)
	}
	return r
}

// Terms returns the additive components of an expression. A non-sum
// expression is its own single component.
func Terms(x Sint) []Sint {
	if s, ok := x.(*sumNode); ok {
		return slices.Clone(s.nodes)
	}
	return []Sint{x}
}

// MulParts splits a term into its expression part and constant factor.
// A term that is not a product has factor one.
func MulParts(x Sint) (Sint, Sint) {
	if m, ok := x.(*mulNode); ok {
		return m.a, m.b
	}
	return x, Int(1)
}

func termCoeff(x Sint) (int, bool) {
	switch n := x.(type) {
	case Int:
		return int(n), true
	case *mulNode:
		if bi, ok := AsInt(n.b); ok {
			return bi, true
		}
	}
	return 0, false
}

func boolInt(b bool) Sint {
	if b {
		return Int(1)
	}
	return Int(0)
}

func newMul(a, b Sint) Sint {
	var min int
	var max Sint
	if bi, ok := AsInt(b); ok {
		if bi >= 0 {
			min = a.Min() * bi
			if am, ok := AsInt(a.Max()); ok {
				max = Int(am * bi)
			} else {
				max = Mul(a.Max(), Int(bi))
			}
		} else {
			am, ok := AsInt(a.Max())
			if !ok {
				panic(errors.Errorf("cannot negatively scale %s: symbolic upper bound", a))
			}
			min, max = am*bi, Int(a.Min()*bi)
		}
	} else {
		if a.Min() < 0 || b.Min() < 0 {
			panic(errors.Errorf("unsupported product of possibly negative %s and %s", a, b))
		}
		min = a.Min() * b.Min()
		am, okA := AsInt(a.Max())
		bm, okB := AsInt(b.Max())
		if okA && okB {
			max = Int(am * bm)
		} else {
			max = Mul(a.Max(), b.Max())
		}
	}
	if mi, ok := AsInt(max); ok && mi == min {
		return Int(min)
	}
	return &mulNode{a: a, b: b, bounds: bounds{min: min, max: max}}
}

func newMod(a Sint, b int) Sint {
	min := fmod(a.Min(), b)
	var max Sint
	if am, ok := AsInt(a.Max()); ok {
		if am-a.Min() >= b || (a.Min() != am && fmod(a.Min(), b) >= fmod(am, b)) {
			min, max = 0, Int(b-1)
		} else {
			max = Int(fmod(am, b))
		}
	} else {
		min, max = 0, Int(b-1)
	}
	if mi, ok := AsInt(max); ok && mi == min {
		return Int(min)
	}
	return &modNode{a: a, b: b, bounds: bounds{min: min, max: max}}
}

func newSum(nodes []Sint) Sint {
	min := 0
	allInt := true
	intMax := 0
	var symMaxes []Sint
	for _, n := range nodes {
		min += n.Min()
		if m, ok := AsInt(n.Max()); ok {
			intMax += m
			symMaxes = append(symMaxes, n.Max())
		} else {
			allInt = false
			symMaxes = append(symMaxes, n.Max())
		}
	}
	var max Sint
	if allInt {
		if intMax == min {
			return Int(min)
		}
		max = Int(intMax)
	} else {
		max = Sum(symMaxes...)
	}
	return &sumNode{nodes: nodes, bounds: bounds{min: min, max: max}}
}
