// Copyright 2025 Tom Barlow
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

package backup

import (
	"context"
)

// FSSource backs up a filesystem data root.
type FSSource struct {
	root string
}

// NewFSSource wraps the FS store's data root.
func NewFSSource(root string) *FSSource {
	return &FSSource{root: root}
}

func (s *FSSource) Kind() string { return "fs" }

// Stage copies the data root, leaving out previous backups.
func (s *FSSource) Stage(ctx context.Context, dir string) error {
	return copyTree(s.root, dir, []string{"backups"})
}

// Restore copies the staged tree back over the data root. Existing
// files are overwritten in place; files created after the backup are
// left alone.
func (s *FSSource) Restore(ctx context.Context, dir string) error {
	return copyTree(dir, s.root, nil)
}
