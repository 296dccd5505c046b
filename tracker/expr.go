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

package tracker

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gx-org/shapetrack/base/sync"
	"github.com/gx-org/shapetrack/symbolic"
	"github.com/gx-org/shapetrack/view"
)

// exprNodeMask builds the validity expression of one view for a single
// flattened index: the conjunction of the mask bounds on every dimension
// whose mask is not the full extent, with the per-dimension components
// recovered by mixed-radix decomposition of the index.
func exprNodeMask(v *view.View, idx symbolic.Sint, valid symbolic.Sint) symbolic.Sint {
	var exprs []symbolic.Sint
	if valid != nil {
		exprs = append(exprs, valid)
	}
	if mask := v.Mask(); mask != nil {
		shape := v.Shape()
		acc := symbolic.Sint(symbolic.Int(1))
		for d := len(shape) - 1; d >= 0; d-- {
			m := mask[d]
			if !symbolic.Equal(m.Lo, symbolic.Int(0)) || !symbolic.Equal(m.Hi, shape[d]) {
				component := symbolic.Mod(symbolic.Div(idx, acc), shape[d])
				exprs = append(exprs, symbolic.Ge(component, m.Lo), symbolic.Lt(component, m.Hi))
			}
			acc = symbolic.Mul(acc, shape[d])
		}
	}
	return symbolic.Ands(exprs...)
}

// exprNode builds the offset expression of one view for a single
// flattened index, decomposing the index over the view's merged
// dimensions.
func exprNode(v *view.View, idx symbolic.Sint) symbolic.Sint {
	var ret []symbolic.Sint
	if !symbolic.Equal(v.Offset(), symbolic.Int(0)) {
		ret = append(ret, v.Offset())
	}
	acc := symbolic.Sint(symbolic.Int(1))
	merged := view.MergeDims(v.Shape(), v.Strides(), nil)
	for i := len(merged) - 1; i >= 0; i-- {
		d, s := merged[i].Size, merged[i].Stride
		ret = append(ret, symbolic.Mul(symbolic.Mod(symbolic.Div(idx, acc), d), s))
		acc = symbolic.Mul(acc, d)
	}
	return symbolic.Sum(ret...)
}

// exprIdxsView builds the offset expression of one view for one index
// per dimension: the base offset plus each index scaled by its stride.
// Broadcast and size-1 dimensions contribute nothing.
func exprIdxsView(v *view.View, idxs []symbolic.Sint) (symbolic.Sint, error) {
	shape, strides := v.Shape(), v.Strides()
	if len(idxs) != len(shape) {
		return nil, errors.Errorf("%d indices for %d dimensions", len(idxs), len(shape))
	}
	ret := []symbolic.Sint{v.Offset()}
	for i, idx := range idxs {
		if symbolic.Equal(shape[i], symbolic.Int(1)) || symbolic.Equal(strides[i], symbolic.Int(0)) {
			continue
		}
		ret = append(ret, symbolic.Mul(idx, strides[i]))
	}
	return symbolic.Sum(ret...), nil
}

var idxsCache sync.Memo[string, symbolic.Sint]

// idxsToIdx flattens one index per dimension into a single row-major
// index. Results are memoized on the rendered shape and indices.
func idxsToIdx(shape []symbolic.Sint, idxs []symbolic.Sint) (symbolic.Sint, error) {
	if len(idxs) != len(shape) {
		return nil, errors.Errorf("%d indices for %d dimensions", len(idxs), len(shape))
	}
	var key strings.Builder
	for _, s := range shape {
		key.WriteString(s.String())
		key.WriteString(",")
	}
	key.WriteString(";")
	for _, idx := range idxs {
		key.WriteString(idx.String())
		key.WriteString(",")
	}
	return idxsCache.Do(key.String(), func() symbolic.Sint {
		acc := symbolic.Sint(symbolic.Int(1))
		terms := make([]symbolic.Sint, 0, len(idxs))
		for i := len(idxs) - 1; i >= 0; i-- {
			terms = append(terms, symbolic.Mul(idxs[i], acc))
			acc = symbolic.Mul(acc, shape[i])
		}
		return symbolic.Sum(terms...)
	}), nil
}

func defaultIdxs(shape []symbolic.Sint) []symbolic.Sint {
	idxs := make([]symbolic.Sint, len(shape))
	for i, s := range shape {
		idxs[i] = symbolic.NewVar(fmt.Sprintf("idx%d", i), 0, symbolic.Sub(s, symbolic.Int(1)))
	}
	return idxs
}

// exprIdx folds an offset and validity expression of the outermost view
// through every underlying view, storage-order inward: the offset of one
// view becomes the flattened index fed into the next view down, and
// validity accumulates by conjunction. The fold short-circuits once the
// validity is statically false.
func (t Tracker) exprIdx(idx, valid symbolic.Sint) (symbolic.Sint, symbolic.Sint) {
	for i := len(t.views) - 2; i >= 0; i-- {
		if m, ok := symbolic.AsInt(valid.Max()); ok && m == 0 {
			return symbolic.Int(-1), valid
		}
		v := t.views[i]
		valid = exprNodeMask(v, idx, valid)
		idx = exprNode(v, idx)
	}
	return idx, valid
}

// ExprIdxs derives the symbolic physical offset and validity of the
// tracker for one index expression per logical dimension. A nil idxs
// introduces one fresh variable per dimension, named idx0..idxN, each
// ranging over its dimension. The index count must match the rank.
func (t Tracker) ExprIdxs(idxs []symbolic.Sint) (symbolic.Sint, symbolic.Sint, error) {
	if idxs == nil {
		idxs = defaultIdxs(t.Shape())
	}
	last := t.last()
	idx, err := exprIdxsView(last, idxs)
	if err != nil {
		return nil, nil, err
	}
	flat, err := idxsToIdx(last.Shape(), idxs)
	if err != nil {
		return nil, nil, err
	}
	valid := exprNodeMask(last, flat, nil)
	idx, valid = t.exprIdx(idx, valid)
	return idx, valid, nil
}

// ExprNode derives the symbolic physical offset and validity of the
// tracker for a single flattened index expression. A nil idx introduces
// a fresh variable named idx ranging over the full logical size.
func (t Tracker) ExprNode(idx symbolic.Sint) (symbolic.Sint, symbolic.Sint) {
	if idx == nil {
		idx = symbolic.NewVar("idx", 0, symbolic.Sub(t.last().SizeExpr(), symbolic.Int(1)))
	}
	last := t.last()
	return t.exprIdx(exprNode(last, idx), exprNodeMask(last, idx, nil))
}

// RealStrides computes the effective linear stride of every logical
// dimension as seen from a single flattened buffer. An entry is nil when
// no definite stride exists for its dimension: its index variable is
// masked (unless ignoreValid) or appears in a term that is not a plain
// variable-times-constant product. A dimension whose variable does not
// reach the offset at all has stride zero.
func (t Tracker) RealStrides(ignoreValid bool) []symbolic.Sint {
	last := t.last()
	if len(t.views) == 1 && last.Mask() == nil {
		return last.Strides()
	}
	shape := t.Shape()
	idxs := defaultIdxs(shape)
	idx, valid, err := t.ExprIdxs(idxs)
	if err != nil {
		return make([]symbolic.Sint, len(shape))
	}
	ret := make([]symbolic.Sint, len(shape))
	bad := map[string]bool{}
	for _, term := range symbolic.Terms(idx) {
		a, coeff := symbolic.MulParts(term)
		matched := false
		for i, iv := range idxs {
			if symbolic.Equal(a, iv) {
				ret[i] = coeff
				matched = true
				break
			}
		}
		if !matched {
			for _, v := range symbolic.Vars(a) {
				bad[v.Name()] = true
			}
		}
	}
	inIdx := varNames(symbolic.Vars(idx))
	inValid := varNames(symbolic.Vars(valid))
	for i, iv := range idxs {
		name := iv.(*symbolic.Var).Name()
		switch {
		case bad[name] || (inValid[name] && !ignoreValid):
			ret[i] = nil
		case !inIdx[name]:
			ret[i] = symbolic.Int(0)
		}
	}
	return ret
}

func varNames(vars []*symbolic.Var) map[string]bool {
	r := make(map[string]bool, len(vars))
	for _, v := range vars {
		r[v.Name()] = true
	}
	return r
}

// UnitStrideAxes returns the logical dimensions read with a stride of
// one.
func (t Tracker) UnitStrideAxes(ignoreValid bool) []int {
	var axes []int
	for i, st := range t.RealStrides(ignoreValid) {
		if st != nil && symbolic.Equal(st, symbolic.Int(1)) {
			axes = append(axes, i)
		}
	}
	return axes
}

// AxisIsMasked reports whether the validity of the tracker depends on
// the index of a logical dimension.
func (t Tracker) AxisIsMasked(axis int) bool {
	_, valid, err := t.ExprIdxs(nil)
	if err != nil {
		return false
	}
	name := fmt.Sprintf("idx%d", axis)
	return varNames(symbolic.Vars(valid))[name]
}

// RealSize returns the smallest buffer length covering every address the
// tracker can produce: the statically resolved maximum of the offset
// expression plus one. A shape with a zero-size dimension needs no
// storage at all.
func (t Tracker) RealSize() (int, error) {
	for _, s := range t.Shape() {
		if symbolic.Equal(s, symbolic.Int(0)) {
			return 0, nil
		}
	}
	idx, _, err := t.ExprIdxs(nil)
	if err != nil {
		return 0, err
	}
	m, err := symbolic.ResolveMax(idx)
	if err != nil {
		return 0, errors.Wrap(err, "cannot resolve the maximum address")
	}
	return m + 1, nil
}
