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
	"strings"
	"time"
)

// Names under which the wired components are reported.
const (
	DataSourceName           = "dsMaster"
	EntityManagerFactoryName = "entityManagerFactory"
	TransactionManagerName   = "primaryTransactionManager"
)

// Pool values applied to every provisioned pool. The configured sizing
// values are accepted but not used.
const (
	FixedMinIdle          = 5
	FixedMaxPoolSize      = 100
	FixedIdleTimeout      = 3000 * time.Millisecond
	SessionTimeZone       = "Asia/Seoul"
	DefaultConnectTimeout = 30 * time.Second
)

// Dialect names understood by the persistence context builder.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// DDL policies, named after hibernate.hbm2ddl.auto.
const (
	DDLNone       = "none"
	DDLValidate   = "validate"
	DDLUpdate     = "update"
	DDLCreate     = "create"
	DDLCreateDrop = "create-drop"
)

// PoolConfig holds the settings read for the master data source.
type PoolConfig struct {
	URL               string        `json:"url" yaml:"url"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"-" yaml:"-"`
	MinIdle           int           `json:"min_idle" yaml:"min_idle"`
	MaxPoolSize       int           `json:"max_pool_size" yaml:"max_pool_size"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
}

// PoolSettings is the sizing a pool was asked for or actually uses.
type PoolSettings struct {
	MinIdle     int           `json:"min_idle"`
	MaxPoolSize int           `json:"max_pool_size"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// PersistenceConfig holds the settings read for the entity manager factory.
type PersistenceConfig struct {
	Dialect            string        `json:"dialect" yaml:"dialect"`
	Schema             string        `json:"schema" yaml:"schema"`
	DDLAuto            string        `json:"ddl_auto" yaml:"ddl_auto"`
	EntityPackages     []string      `json:"entity_packages" yaml:"entity_packages"`
	ImportFiles        []string      `json:"import_files" yaml:"import_files"`
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// Config aggregates everything the startup routine needs.
type Config struct {
	Pool        PoolConfig        `json:"pool" yaml:"pool"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
}

// HealthStatus holds the result of a health check against the pool.
type HealthStatus struct {
	Name          string        `json:"name"`
	Healthy       bool          `json:"healthy"`
	Driver        string        `json:"driver"`
	ResponseTime  time.Duration `json:"response_time"`
	ActiveConns   int           `json:"active_conns"`
	IdleConns     int           `json:"idle_conns"`
	MaxOpenConns  int           `json:"max_open_conns"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// DBStats mirrors database/sql stats returned by the pool.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

// NormalizeDialect maps bun dialect names and Hibernate dialect class names
// such as org.hibernate.dialect.PostgreSQLDialect to a dialect constant.
// It returns "" for anything it does not recognise.
func NormalizeDialect(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "postgres"), s == "pg":
		return DialectPostgres
	case strings.Contains(s, "mysql"), strings.Contains(s, "mariadb"):
		return DialectMySQL
	case strings.Contains(s, "sqlite"):
		return DialectSQLite
	default:
		return ""
	}
}

// NormalizeDDLAuto lower-cases the policy and resolves the empty policy. DDL
// generation is always enabled, so an unset policy behaves like update.
func NormalizeDDLAuto(policy string) string {
	s := strings.ToLower(strings.TrimSpace(policy))
	s = strings.ReplaceAll(s, "_", "-")
	if s == "" {
		return DDLUpdate
	}
	return s
}

func validDDLAuto(policy string) bool {
	switch policy {
	case DDLNone, DDLValidate, DDLUpdate, DDLCreate, DDLCreateDrop:
		return true
	}
	return false
}
