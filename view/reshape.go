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

package view

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gx-org/shapetrack/symbolic"
)

// MergedDim is a run of dimensions collapsed into one: its total extent,
// the stride of its innermost dimension and the extent of its non-broadcast
// part (zero when the whole run is zero-strided).
type MergedDim struct {
	Size   symbolic.Sint
	Stride symbolic.Sint
	Real   symbolic.Sint
}

// MergeDims collapses adjacent dimensions that read consecutively (the
// outer stride equals inner size times inner stride) or that are
// zero-strided repeats. Size-1 dimensions are skipped. A zero-strided
// dimension masked down to a single valid index starts a mergeable run
// even though its stride does not chain.
func MergeDims(shape, strides []symbolic.Sint, mask []Range) []MergedDim {
	if len(shape) == 0 {
		return nil
	}
	realExtent := func(sh, st symbolic.Sint) symbolic.Sint {
		if symbolic.Equal(st, symbolic.Int(0)) {
			return symbolic.Int(0)
		}
		return sh
	}
	ret := []MergedDim{{Size: shape[0], Stride: strides[0], Real: realExtent(shape[0], strides[0])}}
	// 0: no single-index run, 1: run in progress, 2: run ended
	state := 0
	if mask != nil && symbolic.Equal(strides[0], symbolic.Int(0)) &&
		!symbolic.Equal(shape[0], symbolic.Int(1)) && maskWidthOne(mask[0]) {
		state = 1
	}
	for i := 1; i < len(shape); i++ {
		sh, st := shape[i], strides[i]
		if symbolic.Equal(sh, symbolic.Int(1)) {
			continue
		}
		last := &ret[len(ret)-1]
		if state == 1 || symbolic.Equal(last.Stride, symbolic.Mul(sh, st)) {
			real := symbolic.Sint(symbolic.Int(0))
			if !symbolic.Equal(st, symbolic.Int(0)) {
				if state == 1 {
					real = sh
				} else {
					real = symbolic.Mul(last.Real, sh)
				}
			}
			*last = MergedDim{Size: symbolic.Mul(last.Size, sh), Stride: st, Real: real}
		} else {
			ret = append(ret, MergedDim{Size: sh, Stride: st, Real: realExtent(sh, st)})
		}
		if mask != nil && symbolic.Equal(st, symbolic.Int(0)) && maskWidthOne(mask[i]) {
			state = 1
		} else if state != 0 {
			state = 2
		}
	}
	return ret
}

func maskWidthOne(m Range) bool {
	lo, hi, ok := m.ints()
	return ok && hi-lo == 1
}

// Reshape returns the view reinterpreted with a new shape, or nil when
// the result cannot be expressed as a single affine view. A size mismatch
// between the shapes is a contract violation.
func (v *View) Reshape(newShape []symbolic.Sint) (*View, error) {
	if sintsEqual(v.shape, newShape) {
		return v, nil
	}
	for _, s := range newShape {
		if si, ok := symbolic.AsInt(s); ok && si < 0 {
			return nil, errors.Errorf("cannot reshape to %v: negative dimension", renderSints(newShape))
		}
	}
	if hasZero(v.shape) {
		if !hasZero(newShape) {
			return nil, errors.Errorf("cannot reshape zero-size %v to %v", renderSints(v.shape), renderSints(newShape))
		}
		return New(newShape...), nil
	}
	if oldSize, ok := knownProd(v.shape); ok {
		if newSize, ok := knownProd(newShape); ok && oldSize != newSize {
			return nil, errors.Errorf("cannot reshape (%s) of size %d to (%s) of size %d", renderSints(v.shape), oldSize, renderSints(newShape), newSize)
		}
	}
	if len(newShape) == 0 && v.mask != nil {
		for _, m := range v.mask {
			if lo, hi, ok := m.ints(); ok && lo >= hi {
				return nil, nil
			}
		}
	}
	if v.contiguous {
		return New(newShape...), nil
	}

	merged := MergeDims(v.shape, v.strides, v.mask)
	nshape, ok := sintInts(newShape)
	if !ok {
		return nil, nil
	}
	// walk the new shape innermost-first, splitting each merged run into
	// as many new dimensions as its extent covers
	var rstrides []symbolic.Sint
	ri := len(nshape) - 1
	for mi := len(merged) - 1; mi >= 0; mi-- {
		mdSize, ok1 := symbolic.AsInt(merged[mi].Size)
		mdReal, ok2 := symbolic.AsInt(merged[mi].Real)
		if !ok1 || !ok2 {
			return nil, nil
		}
		acc := 1
		newStride := merged[mi].Stride
		for acc < mdSize && ri >= 0 {
			newDim := nshape[ri]
			ri--
			if newDim <= 0 {
				break
			}
			rstrides = append(rstrides, newStride)
			if newDim != 1 {
				acc *= newDim
				if acc < mdReal {
					newStride = symbolic.Mul(newStride, symbolic.Int(newDim))
				} else {
					newStride = symbolic.Int(0)
				}
			}
		}
		if acc != mdSize {
			return nil, nil
		}
	}
	for len(rstrides) < len(nshape) {
		rstrides = append(rstrides, symbolic.Int(0))
	}
	newMask, ok := reshapeMask(v, nshape)
	if !ok {
		return nil, nil
	}
	strides := make([]symbolic.Sint, len(rstrides))
	for i, st := range rstrides {
		strides[len(rstrides)-1-i] = st
	}
	widths := newShape
	if newMask != nil {
		widths = make([]symbolic.Sint, len(newMask))
		for i, m := range newMask {
			widths[i] = symbolic.Int(m[1] - m[0])
		}
	}
	strides = canonicalizeStrides(widths, strides)
	offset := v.offset
	for i, m := range v.mask {
		offset = symbolic.Add(offset, symbolic.Mul(m.Lo, v.strides[i]))
	}
	var mask []Range
	if newMask != nil {
		mask = make([]Range, len(newMask))
		for i, m := range newMask {
			mask[i] = RangeInts(m[0], m[1])
			offset = symbolic.Sub(offset, symbolic.Mul(symbolic.Int(m[0]), strides[i]))
		}
	}
	return newView(newShape, strides, offset, mask), nil
}

// reshapeMask rewrites the view mask for a new shape by splitting and
// merging per-dimension ranges along the reshape boundaries. It reports
// failure when a range would be cut across a new dimension boundary.
func reshapeMask(v *View, newShape []int) ([][2]int, bool) {
	if v.mask == nil {
		return nil, true
	}
	oldShape, okS := sintInts(v.shape)
	if !okS {
		return nil, false
	}
	oldMask := make([][2]int, len(v.mask))
	for i, m := range v.mask {
		lo, hi, ok := m.ints()
		if !ok {
			return nil, false
		}
		oldMask[i] = [2]int{lo, hi}
	}
	allMasked := func() [][2]int {
		r := make([][2]int, len(newShape))
		return r
	}
	si, mi := len(oldShape)-1, len(oldMask)-1
	nextShape := func() int {
		if si >= 0 {
			s := oldShape[si]
			si--
			return s
		}
		return 1
	}
	nextMask := func() [2]int {
		if mi >= 0 {
			m := oldMask[mi]
			mi--
			return m
		}
		return [2]int{0, 1}
	}
	ni := len(newShape) - 1
	nextNew := func() int {
		if ni >= 0 {
			n := newShape[ni]
			ni--
			return n
		}
		return 1
	}
	curStride, oldDim, newDim, mask := 1, nextShape(), nextNew(), nextMask()
	if mask[1]-mask[0] < 1 {
		return allMasked(), true
	}
	var out [][2]int
	for len(out) < len(newShape) {
		l, r := mask[0], mask[1]
		nextStride := newDim * curStride
		if oldDim < nextStride {
			// merge into the next outer dimension; only a full range or a
			// single-index outer range unfolds continuously
			nm := nextMask()
			if (mask != [2]int{0, oldDim}) && nm[1]-nm[0] != 1 {
				return nil, false
			}
			mask = [2]int{nm[0]*oldDim + l, (nm[1]-1)*oldDim + r}
			oldDim *= nextShape()
			continue
		}
		if oldDim == nextStride {
			out = append(out, [2]int{l / curStride, (r-1)/curStride + 1})
			curStride, oldDim, newDim, mask = 1, nextShape(), nextNew(), nextMask()
			if mask[1]-mask[0] < 1 {
				return allMasked(), true
			}
			continue
		}
		// split: fails when the range crosses a new dimension boundary
		if ((l%nextStride != 0 || r%nextStride != 0) && l/nextStride != (r-1)/nextStride) ||
			oldDim%nextStride != 0 {
			return nil, false
		}
		out = append(out, [2]int{l % nextStride / curStride, (r-1)%nextStride/curStride + 1})
		curStride = nextStride
		newDim = nextNew()
	}
	// leading size-1 dimensions of the old shape must be unmasked
	for mi >= 0 {
		if oldMask[mi] != [2]int{0, 1} {
			return allMasked(), true
		}
		mi--
	}
	r := make([][2]int, len(out))
	for i, m := range out {
		r[len(out)-1-i] = m
	}
	return r, true
}

// Invert returns the view mapping this view's addresses back to the
// indices of outShape, or nil when information was lost (broadcasts and
// masked-off or shrunk regions cannot be inverted).
func (v *View) Invert(outShape []symbolic.Sint) *View {
	ret := New(v.shape...)
	if v.mask != nil {
		var err error
		if ret, err = ret.Shrink(v.mask); err != nil {
			return nil
		}
	}
	muls := make([]int, len(v.strides))
	order := make([]int, len(v.strides))
	keys := make([]int, len(v.strides))
	for i, st := range v.strides {
		sti, ok := symbolic.AsInt(st)
		if !ok {
			return nil
		}
		muls[i] = 1
		if sti < 0 {
			muls[i] = -1
		}
		order[i] = i
		keys[i] = sti
		if sti > 0 {
			keys[i] = -sti
		}
	}
	ret, err := ret.Stride(muls)
	if err != nil {
		return nil
	}
	sort.SliceStable(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })
	if ret, err = ret.Permute(order); err != nil {
		return nil
	}
	if !symbolic.Equal(symbolic.Prod(ret.shape), symbolic.Prod(outShape)) {
		return nil
	}
	return ret
}

func hasZero(shape []symbolic.Sint) bool {
	for _, s := range shape {
		if symbolic.Equal(s, symbolic.Int(0)) {
			return true
		}
	}
	return false
}

func knownProd(shape []symbolic.Sint) (int, bool) {
	p := 1
	for _, s := range shape {
		if si, ok := symbolic.AsInt(s); ok {
			p *= si
			continue
		}
		v, ok := s.(*symbolic.Var)
		if !ok {
			return 0, false
		}
		val, bound := v.Value()
		if !bound {
			return 0, false
		}
		p *= val
	}
	return p, true
}

func sintInts(xs []symbolic.Sint) ([]int, bool) {
	r := make([]int, len(xs))
	for i, x := range xs {
		xi, ok := symbolic.AsInt(x)
		if !ok {
			return nil, false
		}
		r[i] = xi
	}
	return r, true
}
