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

// Package version provides build information, injected at compile time.
package version

var (
	// Name is the name of the binary.
	Name = "circulation"

	// Version is the version of the release, set by the linker.
	Version = "source"

	// Commit is the git sha, set by the linker.
	Commit = "HEAD"

	// HumanVersion is the compiled version, suitable for display.
	HumanVersion = Name + " " + Version + " (" + Commit + ")"
)
