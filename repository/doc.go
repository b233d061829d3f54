// Package repository provides a generic bun repository bound to a
// persistence context. Every operation runs inside the transaction carried
// by its context when there is one.
package repository
