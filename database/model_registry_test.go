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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityRegistryOrdersByPriority(t *testing.T) {
	r := NewEntityRegistry()
	r.Register((*testAudit)(nil), 10)
	r.Register((*testAccount)(nil), 1)
	r.Register(&testAccount{}, 5)

	entities := r.Entities()
	require.Len(t, entities, 2)
	assert.Equal(t, reflect.TypeOf(testAccount{}), entities[0].Type)
	assert.Equal(t, 1, entities[0].Priority)
	assert.Equal(t, reflect.TypeOf(testAudit{}), entities[1].Type)
	assert.Equal(t, "github.com/egstep/fwk/database", entities[0].Package())
}

func TestEntityRegistryIgnoresNonStructs(t *testing.T) {
	r := NewEntityRegistry()
	r.Register(nil, 0)
	r.Register(42, 0)
	r.Register(new(string), 0)
	assert.Empty(t, r.Entities())
}

func TestEntityRegistrySelect(t *testing.T) {
	r := testRegistry()
	assert.Len(t, r.Select([]string{"github.com/egstep/fwk/database"}), 2)
	assert.Len(t, r.Select([]string{"github.com/egstep/fwk/"}), 2)
	assert.Len(t, r.Select([]string{"github.com/other", "github.com/egstep"}), 2)
	assert.Empty(t, r.Select([]string{"github.com/egstep/fwk/databases"}))
	assert.Empty(t, r.Select([]string{"github.com/egstep/fw"}))
	assert.Empty(t, r.Select(nil))
}
