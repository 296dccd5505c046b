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

// Package tracker tracks how the logical index space of a
// multi-dimensional array maps onto a flat buffer, as an ordered stack of
// affine masked views. Movement operations rewrite the outermost view or
// stack a fresh one; adjacent views collapse back into one whenever the
// composition stays affine. The derived symbolic offset and validity
// expressions tell a consumer whether a transformed layout is reachable
// without copying the data.
package tracker

import (
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gx-org/shapetrack/base/ordered"
	"github.com/gx-org/shapetrack/base/sync"
	"github.com/gx-org/shapetrack/symbolic"
	"github.com/gx-org/shapetrack/view"
)

// Tracker is an immutable non-empty stack of views. The first view is
// nearest physical storage and the last one is the current logical shape.
// Every operation returns a new tracker.
type Tracker struct {
	views []*view.View
}

// FromShape returns a tracker with a single contiguous view of a shape.
func FromShape(shape ...symbolic.Sint) Tracker {
	return Tracker{views: []*view.View{view.New(shape...)}}
}

// FromViews returns a tracker over an explicit view stack.
func FromViews(views ...*view.View) (Tracker, error) {
	if len(views) == 0 {
		return Tracker{}, errors.Errorf("a tracker needs at least one view")
	}
	return Tracker{views: clone(views)}, nil
}

func clone(views []*view.View) []*view.View {
	r := make([]*view.View, len(views))
	copy(r, views)
	return r
}

func (t Tracker) last() *view.View { return t.views[len(t.views)-1] }

// Views returns a copy of the view stack, storage first.
func (t Tracker) Views() []*view.View { return clone(t.views) }

// NumViews returns the depth of the view stack.
func (t Tracker) NumViews() int { return len(t.views) }

// Shape returns the current logical shape.
func (t Tracker) Shape() []symbolic.Sint { return t.last().Shape() }

// Size returns the number of logical indices of the current shape.
func (t Tracker) Size() int { return t.last().Size() }

// Contiguous returns true iff the tracker is a single contiguous view.
func (t Tracker) Contiguous() bool {
	return len(t.views) == 1 && t.views[0].Contiguous()
}

// Key returns the canonical render of the view stack. Two trackers are
// structurally equal iff their keys are equal.
func (t Tracker) Key() string {
	keys := make([]string, len(t.views))
	for i, v := range t.views {
		keys[i] = v.Key()
	}
	return strings.Join(keys, " | ")
}

// String returns a readable representation of the tracker.
func (t Tracker) String() string { return t.Key() }

// Equal reports whether two trackers have structurally equal view stacks.
func (t Tracker) Equal(other Tracker) bool { return t.Key() == other.Key() }

func (t Tracker) withLast(v *view.View, err error) (Tracker, error) {
	if err != nil {
		return Tracker{}, err
	}
	views := clone(t.views)
	views[len(views)-1] = v
	return Tracker{views: views}, nil
}

// Pad grows the dimensions of the current shape by (before, after)
// amounts of invalid positions.
func (t Tracker) Pad(arg []view.Range) (Tracker, error) {
	return t.withLast(t.last().Pad(arg))
}

// Shrink restricts the dimensions of the current shape to [lo,hi)
// windows.
func (t Tracker) Shrink(arg []view.Range) (Tracker, error) {
	return t.withLast(t.last().Shrink(arg))
}

// Expand broadcasts size-1 dimensions to the requested sizes.
func (t Tracker) Expand(newShape []symbolic.Sint) (Tracker, error) {
	return t.withLast(t.last().Expand(newShape))
}

// Permute reorders the dimensions of the current shape.
func (t Tracker) Permute(axes []int) (Tracker, error) {
	return t.withLast(t.last().Permute(axes))
}

// Stride subsamples the dimensions of the current shape by integer
// multipliers; negative multipliers reverse their dimension.
func (t Tracker) Stride(muls []int) (Tracker, error) {
	return t.withLast(t.last().Stride(muls))
}

// Reshape reinterprets the current shape. When the last view cannot
// express the new shape a fresh contiguous view is stacked on top, which
// keeps the mapping exact at the price of one more indirection.
func (t Tracker) Reshape(newShape []symbolic.Sint) (Tracker, error) {
	nv, err := t.last().Reshape(newShape)
	if err != nil {
		return Tracker{}, err
	}
	if nv != nil {
		return t.withLast(nv, nil)
	}
	views := append(clone(t.views), view.New(newShape...))
	return Tracker{views: views}, nil
}

var mergeCache sync.Memo[string, *view.View]

// MergeViews collapses two adjacent views into a single equivalent view,
// or returns nil when the composition is not expressible as one affine
// view. The outer view composes after the inner one: inner indices feed
// the outer mapping. Results are memoized.
func MergeViews(outer, inner *view.View) *view.View {
	return mergeCache.Do(outer.Key()+" ~ "+inner.Key(), func() *view.View {
		return mergeViews(outer, inner)
	})
}

func mergeViews(outer, inner *view.View) *view.View {
	if inner.Contiguous() && sintsEqual(inner.Shape(), outer.Shape()) {
		return outer
	}
	if outer.Contiguous() {
		return inner
	}
	if outer.Mask() != nil || !symbolic.Equal(inner.Offset(), symbolic.Int(0)) {
		return nil
	}
	strides := Tracker{views: []*view.View{outer, inner}}.RealStrides(false)
	for _, st := range strides {
		if st == nil {
			return nil
		}
	}
	merged, err := view.NewStrided(inner.Shape(), strides, outer.Offset(), inner.Mask())
	if err != nil {
		return nil
	}
	return merged
}

func sintsEqual(xs, ys []symbolic.Sint) bool {
	if len(xs) != len(ys) {
		return false
	}
	for i := range xs {
		if !symbolic.Equal(xs[i], ys[i]) {
			return false
		}
	}
	return true
}

// Simplify repeatedly merges the two outermost views until no merge
// succeeds or a single view remains.
func (t Tracker) Simplify() Tracker {
	views := t.views
	for len(views) >= 2 {
		merged := MergeViews(views[len(views)-2], views[len(views)-1])
		if merged == nil {
			break
		}
		views = append(clone(views[:len(views)-2]), merged)
	}
	if len(views) == len(t.views) {
		return t
	}
	return Tracker{views: views}
}

// Compose stacks another tracker's transform on top of this one, one
// view at a time: simplifying after every single view fuses more than one
// bulk pass at the end.
func (t Tracker) Compose(other Tracker) Tracker {
	ret := t
	for _, v := range other.views {
		ret = Tracker{views: append(clone(ret.views), v)}.Simplify()
	}
	return ret
}

// Invert returns the tracker mapping physical addressing back to the
// logical indices of outShape. It reports false when any view in the
// stack lost information, such as a broadcast or a destructive shrink.
func (t Tracker) Invert(outShape []symbolic.Sint) (Tracker, bool) {
	n := len(t.views)
	inverted := make([]*view.View, n)
	for i := 0; i < n; i++ {
		v := t.views[n-1-i]
		target := outShape
		if n-2-i >= 0 {
			target = t.views[n-2-i].Shape()
		}
		iv := v.Invert(target)
		if iv == nil {
			return Tracker{}, false
		}
		inverted[i] = iv
	}
	ret, err := Tracker{views: inverted}.Reshape(outShape)
	if err != nil {
		return Tracker{}, false
	}
	return ret, true
}

// Vars returns the free variables of every view in the stack, sorted by
// name.
func (t Tracker) Vars() []*symbolic.Var {
	seen := map[string]*symbolic.Var{}
	for _, v := range t.views {
		for _, sv := range v.Vars() {
			seen[sv.Name()] = sv
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	slices.Sort(names)
	r := make([]*symbolic.Var, len(names))
	for i, n := range names {
		r[i] = seen[n]
	}
	return r
}

// VarVals returns the values of the bound variables of the stack, keyed
// by variable name in name order.
func (t Tracker) VarVals() *ordered.Map[string, int] {
	vals := ordered.NewMap[string, int]()
	for _, v := range t.Vars() {
		if val, ok := v.Value(); ok {
			vals.Store(v.Name(), val)
		}
	}
	return vals
}

// Unbind strips the bound values from every variable of the stack,
// returning the unbound tracker and the recorded values by name.
func (t Tracker) Unbind() (Tracker, *ordered.Map[string, int]) {
	vals := t.VarVals()
	if vals.Size() == 0 {
		return t, vals
	}
	sub := make(map[string]symbolic.Sint)
	for _, v := range t.Vars() {
		if uv, _, ok := v.Unbind(); ok {
			sub[v.Name()] = uv
		}
	}
	views := make([]*view.View, len(t.views))
	for i, v := range t.views {
		views[i] = v.Substitute(sub)
	}
	return Tracker{views: views}, vals
}
