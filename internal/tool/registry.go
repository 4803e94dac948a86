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

package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps tool names to handlers. A missing handler is a
// permanent step failure, never a retriable one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Builtins returns a registry preloaded with the built-in tools.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("echo", &Echo{})
	r.Register("sleep", &Sleep{})
	r.Register("transform", &Transform{})
	r.Register("gate:manual", &ManualGate{})
	r.Register("gate:expr", &ExprGate{})
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get resolves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate runs the handler's input validation when it offers any.
func Validate(h Handler, inputs map[string]any) error {
	v, ok := h.(InputValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateInputs(inputs); err != nil {
		return fmt.Errorf("invalid inputs: %w", err)
	}
	return nil
}
