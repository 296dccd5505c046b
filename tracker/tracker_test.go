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

package tracker_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gx-org/shapetrack/symbolic"
	"github.com/gx-org/shapetrack/tracker"
	"github.com/gx-org/shapetrack/view"
)

func intOf(t *testing.T, x symbolic.Sint) int {
	t.Helper()
	i, ok := symbolic.AsInt(x)
	if !ok {
		t.Fatalf("%s is not concrete", x)
	}
	return i
}

func ints(t *testing.T, xs []symbolic.Sint) []int {
	t.Helper()
	r := make([]int, len(xs))
	for i, x := range xs {
		r[i] = intOf(t, x)
	}
	return r
}

// eval resolves the physical offset and validity of one logical point.
func eval(t *testing.T, tr tracker.Tracker, pt []int) (int, bool) {
	t.Helper()
	idx, valid, err := tr.ExprIdxs(nil)
	if err != nil {
		t.Fatal(err)
	}
	sub := make(map[string]symbolic.Sint, len(pt))
	for i, p := range pt {
		sub[fmt.Sprintf("idx%d", i)] = symbolic.Int(p)
	}
	off := intOf(t, symbolic.Substitute(idx, sub))
	ok := intOf(t, symbolic.Substitute(valid, sub)) != 0
	return off, ok
}

// points enumerates every logical index of a shape in row-major order.
func points(shape []int) [][]int {
	var all [][]int
	pt := make([]int, len(shape))
	for {
		all = append(all, append([]int(nil), pt...))
		d := len(shape) - 1
		for ; d >= 0; d-- {
			pt[d]++
			if pt[d] < shape[d] {
				break
			}
			pt[d] = 0
		}
		if d < 0 {
			return all
		}
	}
}

// sameLayout checks that two trackers produce the same valid addresses
// over every point of a shape.
func sameLayout(t *testing.T, a, b tracker.Tracker, shape []int) {
	t.Helper()
	for _, pt := range points(shape) {
		offA, okA := eval(t, a, pt)
		offB, okB := eval(t, b, pt)
		if okA != okB {
			t.Fatalf("point %v: validity %v vs %v", pt, okA, okB)
		}
		if okA && offA != offB {
			t.Fatalf("point %v: offset %d vs %d", pt, offA, offB)
		}
	}
}

func TestFromShape(t *testing.T) {
	s := tracker.FromShape(symbolic.Ints(2, 3)...)
	if !s.Contiguous() {
		t.Errorf("FromShape(2,3) is not contiguous: %s", s)
	}
	if got := s.NumViews(); got != 1 {
		t.Errorf("NumViews() = %d but want 1", got)
	}
	if diff := cmp.Diff([]int{3, 1}, ints(t, s.Views()[0].Strides())); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
	if got := s.Size(); got != 6 {
		t.Errorf("Size() = %d but want 6", got)
	}
	for _, pt := range points([]int{2, 3}) {
		off, ok := eval(t, s, pt)
		if want := pt[0]*3 + pt[1]; !ok || off != want {
			t.Errorf("point %v: (%d, %v) but want (%d, true)", pt, off, ok, want)
		}
	}
}

func TestPadValidity(t *testing.T) {
	s, err := tracker.FromShape(symbolic.Int(4)).Pad([]view.Range{view.RangeInts(1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{6}, ints(t, s.Shape())); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < 6; i++ {
		off, ok := eval(t, s, []int{i})
		wantOK := i >= 1 && i < 5
		if ok != wantOK {
			t.Errorf("index %d: valid = %v but want %v", i, ok, wantOK)
		}
		if ok && off != i-1 {
			t.Errorf("index %d: offset = %d but want %d", i, off, i-1)
		}
	}
}

func TestShrinkAfterPad(t *testing.T) {
	padded, err := tracker.FromShape(symbolic.Int(4)).Pad([]view.Range{view.RangeInts(1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	s, err := padded.Shrink([]view.Range{view.RangeInts(0, 2)})
	if err != nil {
		t.Fatal(err)
	}
	// only index 1 lands on real data; index 0 is padding
	for i, wantOK := range []bool{false, true} {
		off, ok := eval(t, s, []int{i})
		if ok != wantOK {
			t.Errorf("index %d: valid = %v but want %v", i, ok, wantOK)
		}
		if ok && off != 0 {
			t.Errorf("index %d: offset = %d but want 0", i, off)
		}
	}
}

func TestPadSizeOneValidity(t *testing.T) {
	s, err := tracker.FromShape(symbolic.Int(1)).Pad([]view.Range{view.RangeInts(2, 2)})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		off, ok := eval(t, s, []int{i})
		if wantOK := i == 2; ok != wantOK {
			t.Errorf("index %d: valid = %v but want %v", i, ok, wantOK)
		}
		if ok && off != 0 {
			t.Errorf("index %d: offset = %d but want 0", i, off)
		}
	}
}

func TestRealStrides(t *testing.T) {
	perm, err := tracker.FromShape(symbolic.Ints(2, 3)...).Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	got := perm.RealStrides(false)
	if diff := cmp.Diff([]int{1, 3}, ints(t, got)); diff != "" {
		t.Errorf("permuted strides mismatch (-want +got):\n%s", diff)
	}

	exp, err := tracker.FromShape(symbolic.Ints(1, 3)...).Expand(symbolic.Ints(4, 3))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1}, ints(t, exp.RealStrides(false))); diff != "" {
		t.Errorf("expanded strides mismatch (-want +got):\n%s", diff)
	}

	// a masked dimension has no definite stride
	padded, err := tracker.FromShape(symbolic.Int(4)).Pad([]view.Range{view.RangeInts(1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	strides := padded.RealStrides(false)
	if strides[0] != nil {
		t.Errorf("masked stride = %s but want nil", strides[0])
	}
	if diff := cmp.Diff([]int{1}, ints(t, padded.RealStrides(true))); diff != "" {
		t.Errorf("unmasked strides mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandContract(t *testing.T) {
	if _, err := tracker.FromShape(symbolic.Int(3)).Expand(symbolic.Ints(4)); err == nil {
		t.Error("expanding a non-1 dimension did not fail")
	}
}

func TestReshapeMergesInPlace(t *testing.T) {
	s, err := tracker.FromShape(symbolic.Ints(4, 4)...).Shrink([]view.Range{view.RangeInts(1, 3), view.RangeInts(0, 4)})
	if err != nil {
		t.Fatal(err)
	}
	flat, err := s.Reshape(symbolic.Ints(8))
	if err != nil {
		t.Fatal(err)
	}
	if got := flat.NumViews(); got != 1 {
		t.Fatalf("NumViews() = %d but want 1: %s", got, flat)
	}
	v := flat.Views()[0]
	if diff := cmp.Diff([]int{1}, ints(t, v.Strides())); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
	if got := intOf(t, v.Offset()); got != 4 {
		t.Errorf("Offset() = %d but want 4", got)
	}
}

func TestReshapeStacksView(t *testing.T) {
	padded, err := tracker.FromShape(symbolic.Int(4)).Pad([]view.Range{view.RangeInts(1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	s, err := padded.Reshape(symbolic.Ints(2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.NumViews(); got != 2 {
		t.Fatalf("NumViews() = %d but want 2: %s", got, s)
	}
	if !s.Simplify().Equal(s) {
		t.Errorf("Simplify() changed an unmergeable stack: %s", s.Simplify())
	}
	for _, pt := range points([]int{2, 3}) {
		flat := pt[0]*3 + pt[1]
		off, ok := eval(t, s, pt)
		wantOK := flat >= 1 && flat < 5
		if ok != wantOK {
			t.Errorf("point %v: valid = %v but want %v", pt, ok, wantOK)
		}
		if ok && off != flat-1 {
			t.Errorf("point %v: offset = %d but want %d", pt, off, flat-1)
		}
	}
}

func TestSimplify(t *testing.T) {
	s, err := tracker.FromViews(view.New(symbolic.Ints(2, 3)...), view.New(symbolic.Int(6)))
	if err != nil {
		t.Fatal(err)
	}
	simplified := s.Simplify()
	if got := simplified.NumViews(); got != 1 {
		t.Fatalf("NumViews() = %d but want 1: %s", got, simplified)
	}
	if diff := cmp.Diff([]int{6}, ints(t, simplified.Shape())); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	sameLayout(t, s, simplified, []int{6})
}

func TestMergeViews(t *testing.T) {
	outer, err := view.New(symbolic.Ints(4, 4)...).Shrink([]view.Range{view.RangeInts(1, 3), view.RangeInts(0, 4)})
	if err != nil {
		t.Fatal(err)
	}
	merged := tracker.MergeViews(outer, view.New(symbolic.Int(8)))
	if merged == nil {
		t.Fatal("MergeViews = nil but want a view")
	}
	if got := intOf(t, merged.Offset()); got != 4 {
		t.Errorf("Offset() = %d but want 4", got)
	}

	transposed, err := view.New(symbolic.Ints(2, 3)...).Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if got := tracker.MergeViews(transposed, view.New(symbolic.Int(6))); got != nil {
		t.Errorf("flattened transpose merged into %s but want nil", got)
	}
}

func TestCompose(t *testing.T) {
	base, err := tracker.FromShape(symbolic.Int(6)).Reshape(symbolic.Ints(2, 3))
	if err != nil {
		t.Fatal(err)
	}
	transpose, err := tracker.FromShape(symbolic.Ints(2, 3)...).Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	comp := base.Compose(transpose)
	direct, err := tracker.FromShape(symbolic.Ints(2, 3)...).Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !comp.Equal(direct) {
		t.Errorf("composition = %s but want %s", comp, direct)
	}

	padded, err := tracker.FromShape(symbolic.Int(4)).Pad([]view.Range{view.RangeInts(1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	folded, err := tracker.FromShape(symbolic.Int(6)).Reshape(symbolic.Ints(2, 3))
	if err != nil {
		t.Fatal(err)
	}
	comp = padded.Compose(folded)
	applied, err := padded.Reshape(symbolic.Ints(2, 3))
	if err != nil {
		t.Fatal(err)
	}
	sameLayout(t, comp, applied, []int{2, 3})
}

func TestInvert(t *testing.T) {
	perm, err := tracker.FromShape(symbolic.Ints(2, 3)...).Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	inv, ok := perm.Invert(symbolic.Ints(2, 3))
	if !ok {
		t.Fatal("permute is not invertible")
	}
	ident := perm.Compose(inv)
	if want := tracker.FromShape(symbolic.Ints(2, 3)...); !ident.Equal(want) {
		t.Errorf("inverse composition = %s but want %s", ident, want)
	}

	exp, err := tracker.FromShape(symbolic.Ints(1, 3)...).Expand(symbolic.Ints(4, 3))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := exp.Invert(symbolic.Ints(1, 3)); ok {
		t.Error("broadcast claimed to be invertible")
	}
}

func TestRealSize(t *testing.T) {
	s := tracker.FromShape(symbolic.Ints(2, 3)...)
	got, err := s.RealSize()
	if err != nil {
		t.Fatal(err)
	}
	if got != 6 {
		t.Errorf("RealSize() = %d but want 6", got)
	}

	shrunk, err := tracker.FromShape(symbolic.Ints(4, 4)...).Shrink([]view.Range{view.RangeInts(1, 3), view.RangeInts(0, 4)})
	if err != nil {
		t.Fatal(err)
	}
	got, err = shrunk.RealSize()
	if err != nil {
		t.Fatal(err)
	}
	if got != 12 {
		t.Errorf("shrunk RealSize() = %d but want 12", got)
	}

	empty := tracker.FromShape(symbolic.Ints(0, 4)...)
	got, err = empty.RealSize()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("empty RealSize() = %d but want 0", got)
	}
}

func TestUnitStrideAxes(t *testing.T) {
	s := tracker.FromShape(symbolic.Ints(2, 3)...)
	if diff := cmp.Diff([]int{1}, s.UnitStrideAxes(false)); diff != "" {
		t.Errorf("axes mismatch (-want +got):\n%s", diff)
	}
	perm, err := s.Permute([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0}, perm.UnitStrideAxes(false)); diff != "" {
		t.Errorf("permuted axes mismatch (-want +got):\n%s", diff)
	}
}

func TestAxisIsMasked(t *testing.T) {
	s, err := tracker.FromShape(symbolic.Ints(2, 3)...).Pad([]view.Range{view.RangeInts(0, 0), view.RangeInts(1, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if s.AxisIsMasked(0) {
		t.Error("axis 0 claimed to be masked")
	}
	if !s.AxisIsMasked(1) {
		t.Error("axis 1 not reported as masked")
	}
}

func TestVarsUnbind(t *testing.T) {
	n := symbolic.NewVar("n", 1, symbolic.Int(16))
	bound, err := n.Bind(8)
	if err != nil {
		t.Fatal(err)
	}
	s := tracker.FromShape(bound, symbolic.Int(4))
	vars := s.Vars()
	if len(vars) != 1 || vars[0].Name() != "n" {
		t.Fatalf("Vars() = %v but want [n]", vars)
	}
	vals := s.VarVals()
	if got, ok := vals.Load("n"); !ok || got != 8 {
		t.Errorf("VarVals()[n] = (%d, %v) but want (8, true)", got, ok)
	}

	unbound, rec := s.Unbind()
	if got, ok := rec.Load("n"); !ok || got != 8 {
		t.Errorf("recorded value = (%d, %v) but want (8, true)", got, ok)
	}
	if got := unbound.VarVals().Size(); got != 0 {
		t.Errorf("unbound tracker still has %d bound variables", got)
	}
	if diff := cmp.Diff([]int{4, 1}, ints(t, unbound.Views()[0].Strides())); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
}

func TestExprNode(t *testing.T) {
	s := tracker.FromShape(symbolic.Ints(2, 3)...)
	idx, valid := s.ExprNode(nil)
	got := intOf(t, symbolic.Substitute(idx, map[string]symbolic.Sint{"idx": symbolic.Int(4)}))
	if got != 4 {
		t.Errorf("offset at flat index 4 = %d but want 4", got)
	}
	if got := intOf(t, valid); got != 1 {
		t.Errorf("validity = %d but want 1", got)
	}
}
