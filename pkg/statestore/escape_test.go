// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statestore

import (
	"testing"
)

func TestEscapePath_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "collection-1", want: "collection-1"},
		{name: "slashes", in: "col/lib/2024-01-02-full.mrc", want: "col`slib`s2024-01-02-full.mrc"},
		{name: "tilde", in: "a~b", want: "a`tb"},
		{name: "backtick", in: "a`b", want: "a``b"},
		{name: "all_specials", in: "`/~", want: "```s`t"},
		{name: "empty", in: "", want: ""},
		{name: "unicode", in: "böök/ä", want: "böök`sä"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			esc := EscapePath(tc.in)
			if got, want := esc, tc.want; got != want {
				t.Errorf("expected %q to be %q", got, want)
			}
			back, err := UnescapePath(esc)
			if err != nil {
				t.Fatalf("UnescapePath(%q) unexpected error: %v", esc, err)
			}
			if got, want := back, tc.in; got != want {
				t.Errorf("expected round trip %q to be %q", got, want)
			}
		})
	}
}

func TestUnescapePath_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"`", "a`", "a`x", "`q`s"} {
		if _, err := UnescapePath(in); err == nil {
			t.Errorf("UnescapePath(%q) expected error", in)
		}
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	c := New(nil, "circ-test")
	got := c.Key("MarcFileUploadSession", "col/1")
	if want := "circ-test::MarcFileUploadSession::col`s1"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestJSONPath(t *testing.T) {
	t.Parallel()

	got := jsonPath("uploads", "a`sb.mrc", "buffer")
	if want := `$["uploads"]["a` + "`" + `sb.mrc"]["buffer"]`; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}
