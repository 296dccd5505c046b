// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package iter_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/shapetrack/base/iter"
)

func TestAll(t *testing.T) {
	var got []string
	iter.All(
		[]string{"a", "b", "c"},
		[]string{"d", "e", "f"},
	)(func(el string) bool {
		got = append(got, el)
		return true
	})
	want := []string{"a", "b", "c", "d", "e", "f"}
	if !cmp.Equal(got, want) {
		t.Errorf("got %v but want %v", got, want)
	}
}
