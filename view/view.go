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

// Package view implements a single affine, optionally masked array layout:
// a shape with per-dimension strides, a base offset and an optional
// per-dimension valid-index range. Views are immutable values; every
// primitive returns a new view.
package view

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gx-org/shapetrack/base/iter"
	"github.com/gx-org/shapetrack/symbolic"
)

// Range is a per-dimension [Lo,Hi) interval. As a mask entry, indices
// outside the interval read out of bounds.
type Range struct {
	Lo, Hi symbolic.Sint
}

// RangeInts returns a concrete range.
func RangeInts(lo, hi int) Range {
	return Range{Lo: symbolic.Int(lo), Hi: symbolic.Int(hi)}
}

func (r Range) ints() (int, int, bool) {
	lo, okL := symbolic.AsInt(r.Lo)
	hi, okH := symbolic.AsInt(r.Hi)
	return lo, hi, okL && okH
}

// View is one affine masked layout. The zero value is not a valid view:
// use New or NewStrided.
type View struct {
	shape      []symbolic.Sint
	strides    []symbolic.Sint
	offset     symbolic.Sint
	mask       []Range
	contiguous bool
	key        string
}

// New returns the contiguous row-major view of a shape.
func New(shape ...symbolic.Sint) *View {
	return newView(shape, stridesForShape(shape), symbolic.Int(0), nil)
}

// NewStrided returns a view with explicit strides, base offset and mask.
// A nil mask means every index is valid. Strides of size-1 dimensions are
// canonicalized to zero and a mask covering the full extent is dropped.
func NewStrided(shape, strides []symbolic.Sint, offset symbolic.Sint, mask []Range) (*View, error) {
	var err error
	if len(strides) != len(shape) {
		err = multierr.Append(err, errors.Errorf("%d strides for %d dimensions", len(strides), len(shape)))
	}
	if mask != nil && len(mask) != len(shape) {
		err = multierr.Append(err, errors.Errorf("%d mask ranges for %d dimensions", len(mask), len(shape)))
	}
	for i, m := range mask {
		if lo, hi, ok := m.ints(); ok && lo > hi {
			err = multierr.Append(err, errors.Errorf("dimension %d: mask range [%d,%d) is reversed", i, lo, hi))
		}
	}
	if err != nil {
		return nil, err
	}
	return newView(shape, strides, offset, mask), nil
}

func newView(shape, strides []symbolic.Sint, offset symbolic.Sint, mask []Range) *View {
	shape = slices.Clone(shape)
	strides = canonicalizeStrides(shape, strides)
	mask = slices.Clone(mask)
	if mask != nil && fullMask(shape, mask) {
		mask = nil
	}
	contiguous := mask == nil &&
		symbolic.Equal(offset, symbolic.Int(0)) &&
		sintsEqual(strides, stridesForShape(shape))
	// a masked dimension keeping a single valid index degenerates to a
	// stride of zero with the offset moved to that index
	if mask != nil {
		if i := slices.IndexFunc(mask, func(m Range) bool {
			lo, hi, ok := m.ints()
			return ok && lo >= hi
		}); i >= 0 {
			strides = make([]symbolic.Sint, len(shape))
			mask = make([]Range, len(shape))
			for d := range shape {
				strides[d] = symbolic.Int(0)
				mask[d] = RangeInts(0, 0)
			}
			offset = symbolic.Int(0)
		} else {
			// the mask itself stays: the other indices remain invalid
			for d, m := range mask {
				lo, hi, ok := m.ints()
				if !ok || hi-lo != 1 {
					continue
				}
				offset = symbolic.Add(offset, symbolic.Mul(strides[d], symbolic.Int(lo)))
				strides[d] = symbolic.Int(0)
			}
		}
	}
	v := &View{shape: shape, strides: strides, offset: offset, mask: mask, contiguous: contiguous}
	v.key = v.render()
	return v
}

func canonicalizeStrides(shape, strides []symbolic.Sint) []symbolic.Sint {
	r := make([]symbolic.Sint, len(strides))
	for i, st := range strides {
		if symbolic.Equal(shape[i], symbolic.Int(1)) {
			r[i] = symbolic.Int(0)
		} else {
			r[i] = st
		}
	}
	return r
}

func stridesForShape(shape []symbolic.Sint) []symbolic.Sint {
	strides := make([]symbolic.Sint, len(shape))
	acc := symbolic.Sint(symbolic.Int(1))
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc = symbolic.Mul(acc, shape[i])
	}
	return canonicalizeStrides(shape, strides)
}

func fullMask(shape []symbolic.Sint, mask []Range) bool {
	for i, m := range mask {
		if !symbolic.Equal(m.Lo, symbolic.Int(0)) || !symbolic.Equal(m.Hi, shape[i]) {
			return false
		}
	}
	return true
}

func sintsEqual(xs, ys []symbolic.Sint) bool {
	return slices.EqualFunc(xs, ys, symbolic.Equal)
}

// Rank returns the number of dimensions of the view.
func (v *View) Rank() int { return len(v.shape) }

// Shape returns the per-dimension sizes.
func (v *View) Shape() []symbolic.Sint { return slices.Clone(v.shape) }

// Strides returns the per-dimension strides.
func (v *View) Strides() []symbolic.Sint { return slices.Clone(v.strides) }

// Offset returns the base address of the view.
func (v *View) Offset() symbolic.Sint { return v.offset }

// Mask returns the per-dimension valid ranges, or nil when every index
// is valid.
func (v *View) Mask() []Range { return slices.Clone(v.mask) }

// Contiguous returns true iff the view has no offset, no mask and the
// canonical row-major strides of its shape.
func (v *View) Contiguous() bool { return v.contiguous }

// SizeExpr returns the number of logical indices of the view, which can
// be symbolic.
func (v *View) SizeExpr() symbolic.Sint { return symbolic.Prod(v.shape) }

// Size returns the number of logical indices, resolving symbolic
// dimensions to their static upper bounds.
func (v *View) Size() int {
	n, err := symbolic.ResolveMax(v.SizeExpr())
	if err != nil {
		panic(err)
	}
	return n
}

// Key returns the canonical render of the view. Two views are the same
// layout iff their keys are equal.
func (v *View) Key() string { return v.key }

// String returns a readable representation of the view.
func (v *View) String() string { return v.key }

func (v *View) render() string {
	var s strings.Builder
	s.WriteString("shape(")
	s.WriteString(renderSints(v.shape))
	s.WriteString(") strides(")
	s.WriteString(renderSints(v.strides))
	fmt.Fprintf(&s, ") offset(%s)", v.offset.String())
	if v.mask != nil {
		s.WriteString(" mask(")
		for i, m := range v.mask {
			if i > 0 {
				s.WriteString(",")
			}
			fmt.Fprintf(&s, "[%s,%s)", m.Lo.String(), m.Hi.String())
		}
		s.WriteString(")")
	}
	return s.String()
}

func renderSints(xs []symbolic.Sint) string {
	strs := make([]string, len(xs))
	for i, x := range xs {
		strs[i] = x.String()
	}
	return strings.Join(strs, ",")
}

// Vars returns the free variables of the view, sorted by name.
func (v *View) Vars() []*symbolic.Var {
	var all []symbolic.Sint
	iter.All(v.shape, v.strides)(func(x symbolic.Sint) bool {
		all = append(all, x)
		return true
	})
	all = append(all, v.offset)
	for _, m := range v.mask {
		all = append(all, m.Lo, m.Hi)
	}
	return symbolic.Vars(all...)
}

// Substitute replaces variables, identified by name, in every component
// of the view.
func (v *View) Substitute(m map[string]symbolic.Sint) *View {
	sub := func(xs []symbolic.Sint) []symbolic.Sint {
		r := make([]symbolic.Sint, len(xs))
		for i, x := range xs {
			r[i] = symbolic.Substitute(x, m)
		}
		return r
	}
	var mask []Range
	if v.mask != nil {
		mask = make([]Range, len(v.mask))
		for i, mr := range v.mask {
			mask[i] = Range{Lo: symbolic.Substitute(mr.Lo, m), Hi: symbolic.Substitute(mr.Hi, m)}
		}
	}
	return newView(sub(v.shape), sub(v.strides), symbolic.Substitute(v.offset, m), mask)
}

// resize moves every dimension to a new [lo,hi) window of the current
// extent. Negative lower bounds grow the dimension; the view offset moves
// by the stride-weighted lower bounds. An existing mask is shifted into
// the new window and intersected with the incoming one.
func (v *View) resize(arg []Range, mask []Range) (*View, error) {
	offset := symbolic.Sint(symbolic.Int(0))
	for i, a := range arg {
		offset = symbolic.Add(offset, symbolic.Mul(v.strides[i], a.Lo))
	}
	if v.mask != nil {
		nmask := make([]Range, len(v.mask))
		for i, m := range v.mask {
			mx, my, okM := m.ints()
			ax, ay, okA := arg[i].ints()
			if !okM || !okA {
				return nil, errors.Errorf("cannot move symbolic mask %s inside window [%s,%s)", m.Lo, arg[i].Lo, arg[i].Hi)
			}
			nmask[i] = RangeInts(
				max(0, min(mx-ax, ay-ax)),
				max(0, min(my-ax, ay-ax)),
			)
		}
		if mask == nil {
			mask = nmask
		} else {
			for i := range mask {
				l1, h1, ok1 := mask[i].ints()
				l2, h2, ok2 := nmask[i].ints()
				if !ok1 || !ok2 {
					return nil, errors.Errorf("cannot intersect symbolic masks on dimension %d", i)
				}
				mask[i] = RangeInts(max(l1, l2), min(h1, h2))
			}
		}
	}
	shape := make([]symbolic.Sint, len(arg))
	for i, a := range arg {
		shape[i] = symbolic.Sub(a.Hi, a.Lo)
	}
	return newView(shape, v.strides, symbolic.Add(v.offset, offset), mask), nil
}

// Pad grows every dimension by a (before, after) amount of out-of-bounds
// positions, recorded in the mask.
func (v *View) Pad(arg []Range) (*View, error) {
	if len(arg) != len(v.shape) {
		return nil, errors.Errorf("%d pad ranges for %d dimensions", len(arg), len(v.shape))
	}
	var err error
	for i, a := range arg {
		if a.Lo.Min() < 0 || a.Hi.Min() < 0 {
			err = multierr.Append(err, errors.Errorf("dimension %d: negative padding (%s, %s)", i, a.Lo, a.Hi))
		}
	}
	if err != nil {
		return nil, err
	}
	all := true
	for _, a := range arg {
		if !symbolic.Equal(a.Lo, symbolic.Int(0)) || !symbolic.Equal(a.Hi, symbolic.Int(0)) {
			all = false
			break
		}
	}
	if all {
		return v, nil
	}
	window := make([]Range, len(arg))
	mask := make([]Range, len(arg))
	for i, a := range arg {
		s := v.shape[i]
		window[i] = Range{Lo: symbolic.Neg(a.Lo), Hi: symbolic.Add(s, a.Hi)}
		mask[i] = Range{Lo: a.Lo, Hi: symbolic.Add(s, a.Lo)}
	}
	return v.resize(window, mask)
}

// Shrink restricts every dimension to a [lo,hi) window of its extent.
func (v *View) Shrink(arg []Range) (*View, error) {
	if len(arg) != len(v.shape) {
		return nil, errors.Errorf("%d shrink ranges for %d dimensions", len(arg), len(v.shape))
	}
	var err error
	for i, a := range arg {
		lo, hi, ok := a.ints()
		if !ok {
			continue
		}
		if s, sok := symbolic.AsInt(v.shape[i]); sok && !(0 <= lo && lo <= hi && hi <= s) {
			err = multierr.Append(err, errors.Errorf("dimension %d: window [%d,%d) outside extent %d", i, lo, hi, s))
		}
	}
	if err != nil {
		return nil, err
	}
	return v.resize(arg, nil)
}

// Expand broadcasts size-1 dimensions to the requested sizes by giving
// them a stride of zero. Requesting a different size for a dimension that
// is not 1 is a contract violation.
func (v *View) Expand(newShape []symbolic.Sint) (*View, error) {
	if len(newShape) != len(v.shape) {
		return nil, errors.Errorf("cannot expand %d dimensions to %d: the same rank is required", len(v.shape), len(newShape))
	}
	for _, s := range v.shape {
		if symbolic.Equal(s, symbolic.Int(0)) {
			return New(newShape...), nil
		}
	}
	var err error
	for i, ns := range newShape {
		if symbolic.Equal(v.shape[i], ns) || symbolic.Equal(v.shape[i], symbolic.Int(1)) {
			continue
		}
		err = multierr.Append(err, errors.Errorf("cannot expand axis %d of size %s: size of 1 or %s required", i, v.shape[i], ns))
	}
	if err != nil {
		return nil, err
	}
	var mask []Range
	if v.mask != nil {
		mask = make([]Range, len(v.mask))
		for i, m := range v.mask {
			if symbolic.Equal(v.shape[i], newShape[i]) {
				mask[i] = m
				continue
			}
			// a broadcast dimension cannot keep a partial mask
			if !symbolic.Equal(m.Lo, symbolic.Int(0)) || !symbolic.Equal(m.Hi, v.shape[i]) {
				mask[i] = RangeInts(0, 0)
			} else {
				mask[i] = Range{Lo: symbolic.Int(0), Hi: newShape[i]}
			}
		}
	}
	return newView(newShape, v.strides, v.offset, mask), nil
}

// Permute reorders the dimensions of the view. The axis order must be a
// bijection over the dimension indices.
func (v *View) Permute(axes []int) (*View, error) {
	if len(axes) != len(v.shape) {
		return nil, errors.Errorf("%d axes for %d dimensions", len(axes), len(v.shape))
	}
	seen := make([]bool, len(axes))
	for _, a := range axes {
		if a < 0 || a >= len(v.shape) {
			return nil, errors.Errorf("axis %d outside rank %d", a, len(v.shape))
		}
		if seen[a] {
			return nil, errors.Errorf("axis %d repeated in %v", a, axes)
		}
		seen[a] = true
	}
	shape := make([]symbolic.Sint, len(axes))
	strides := make([]symbolic.Sint, len(axes))
	var mask []Range
	if v.mask != nil {
		mask = make([]Range, len(axes))
	}
	for i, a := range axes {
		shape[i], strides[i] = v.shape[a], v.strides[a]
		if mask != nil {
			mask[i] = v.mask[a]
		}
	}
	return newView(shape, strides, v.offset, mask), nil
}

// Stride subsamples every dimension by an integer multiplier. A negative
// multiplier reverses the dimension: the offset moves to its last element
// and the stride is negated.
func (v *View) Stride(muls []int) (*View, error) {
	if len(muls) != len(v.shape) {
		return nil, errors.Errorf("%d multipliers for %d dimensions", len(muls), len(v.shape))
	}
	var err error
	for i, m := range muls {
		if m == 0 {
			err = multierr.Append(err, errors.Errorf("dimension %d: zero stride multiplier", i))
		}
	}
	if err != nil {
		return nil, err
	}
	strides := make([]symbolic.Sint, len(muls))
	shape := make([]symbolic.Sint, len(muls))
	offset := symbolic.Sint(symbolic.Int(0))
	for i, m := range muls {
		strides[i] = symbolic.Mul(v.strides[i], symbolic.Int(m))
		am := m
		if am < 0 {
			am = -am
			offset = symbolic.Add(offset, symbolic.Mul(symbolic.Sub(v.shape[i], symbolic.Int(1)), v.strides[i]))
		}
		shape[i] = symbolic.Div(symbolic.Add(v.shape[i], symbolic.Int(am-1)), symbolic.Int(am))
	}
	var mask []Range
	if v.mask != nil {
		mask = make([]Range, len(muls))
		for i, mr := range v.mask {
			mx, my, okM := mr.ints()
			s, okS := symbolic.AsInt(v.shape[i])
			if !okM || !okS {
				return nil, errors.Errorf("cannot subsample symbolic mask on dimension %d", i)
			}
			m, am := muls[i], muls[i]
			if am < 0 {
				am = -am
			}
			lo, hi := mx, my
			if m < 0 {
				lo, hi = s-my, s-mx
			}
			mask[i] = RangeInts((lo+am-1)/am, (hi+am-1)/am)
		}
	}
	return newView(shape, strides, symbolic.Add(v.offset, offset), mask), nil
}
