// Package database wires the master data source: a connection pool pinned to
// fixed sizing and the Asia/Seoul session time zone, a bun persistence
// context with Hibernate style DDL policies, and a chained transaction
// manager spanning the ORM and the raw pool.
package database
