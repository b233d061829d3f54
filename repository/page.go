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

package repository

const (
	defaultPageSize = 10
	maxPageSize     = 1000
)

// Filter is a WHERE clause with bun placeholders and its arguments.
type Filter struct {
	Where string
	Args  []interface{}
}

// NewFilter builds a Filter.
func NewFilter(where string, args ...interface{}) *Filter {
	return &Filter{Where: where, Args: args}
}

// PageRequest selects one page, 1-based. Orders use bun's order syntax,
// for example "id ASC".
type PageRequest struct {
	Page     int
	PageSize int
	Filter   *Filter
	Orders   []string
}

func NewPageRequest(page, pageSize int, filter *Filter, orders ...string) *PageRequest {
	return &PageRequest{Page: page, PageSize: pageSize, Filter: filter, Orders: orders}
}

func (p *PageRequest) normalized() PageRequest {
	out := *p
	if out.Page < 1 {
		out.Page = 1
	}
	switch {
	case out.PageSize < 1:
		out.PageSize = defaultPageSize
	case out.PageSize > maxPageSize:
		out.PageSize = maxPageSize
	}
	return out
}

// Offset returns the row offset after normalizing page and size.
func (p *PageRequest) Offset() int {
	n := p.normalized()
	return (n.Page - 1) * n.PageSize
}

// Page holds one page of results.
type Page[T any] struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	Items      []*T `json:"items"`
}

func newPage[T any](req PageRequest, total int, items []*T) *Page[T] {
	if items == nil {
		items = make([]*T, 0)
	}
	pages := 0
	if total > 0 {
		pages = (total + req.PageSize - 1) / req.PageSize
	}
	return &Page[T]{Page: req.Page, PageSize: req.PageSize, Total: total, TotalPages: pages, Items: items}
}
