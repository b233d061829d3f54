/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

var defaultRegistry = NewEntityRegistry()

// Entity is a bun model known to the registry. Priority orders table
// creation, lower values first, so referenced tables can be created before
// the tables pointing at them.
type Entity struct {
	Instance interface{}
	Priority int
	Type     reflect.Type
}

// Package is the Go import path of the entity struct.
func (e Entity) Package() string { return e.Type.PkgPath() }

// EntityRegistry collects entities at init time; the persistence context
// later picks the ones below its configured packages.
type EntityRegistry struct {
	mutex    sync.RWMutex
	entities []Entity
}

// NewEntityRegistry returns an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{}
}

// Register adds instance, a pointer to a bun model struct. Registering the
// same type twice keeps the first registration.
func (r *EntityRegistry) Register(instance interface{}, priority int) {
	t := entityType(instance)
	if t == nil {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, e := range r.entities {
		if e.Type == t {
			return
		}
	}
	r.entities = append(r.entities, Entity{Instance: instance, Priority: priority, Type: t})
}

// Entities returns every registered entity sorted by priority.
func (r *EntityRegistry) Entities() []Entity {
	r.mutex.RLock()
	result := make([]Entity, len(r.entities))
	copy(result, r.entities)
	r.mutex.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority < result[j].Priority
	})
	return result
}

// Select returns the entities whose package equals or is nested below one
// of packages. No packages selects nothing.
func (r *EntityRegistry) Select(packages []string) []Entity {
	var result []Entity
	for _, e := range r.Entities() {
		for _, pkg := range packages {
			if packageMatches(e.Package(), pkg) {
				result = append(result, e)
				break
			}
		}
	}
	return result
}

func packageMatches(pkg, base string) bool {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		return false
	}
	return pkg == base || strings.HasPrefix(pkg, base+"/")
}

func entityType(instance interface{}) reflect.Type {
	if instance == nil {
		return nil
	}
	t := reflect.TypeOf(instance)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// RegisterEntity adds instance to the default registry with priority 0.
func RegisterEntity(instance interface{}) {
	defaultRegistry.Register(instance, 0)
}

// RegisterEntityWithPriority registers instance on the global registry.
func RegisterEntityWithPriority(instance interface{}, priority int) {
	defaultRegistry.Register(instance, priority)
}

// RegisteredEntities lists the global registry in priority order.
func RegisteredEntities() []Entity {
	return defaultRegistry.Entities()
}

func entityInstances(entities []Entity) []interface{} {
	out := make([]interface{}, len(entities))
	for i, e := range entities {
		out[i] = e.Instance
	}
	return out
}
