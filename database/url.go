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
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const redactedPassword = "xxxxx"

// dataSource is a parsed connection URL: which driver to use and the DSN
// that driver understands. memory marks a shared in-memory sqlite database.
type dataSource struct {
	dialect    string
	driverName string
	dsn        string
	memory     bool
}

// parseDataSourceURL accepts native URLs (postgres://, mysql://, file:),
// JDBC style URLs (jdbc:postgresql://...) and raw go-sql-driver DSNs.
func parseDataSourceURL(raw string) (dataSource, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return dataSource{}, fmt.Errorf("%w: empty url", ErrUnsupportedURL)
	}
	s = strings.TrimPrefix(s, "jdbc:")
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return dataSource{dialect: DialectPostgres, driverName: "pgx", dsn: s}, nil

	case strings.HasPrefix(lower, "mysql://"):
		dsn, err := mysqlDSNFromURL(s)
		if err != nil {
			return dataSource{}, err
		}
		return dataSource{dialect: DialectMySQL, driverName: "mysql", dsn: dsn}, nil

	case isMySQLDSN(s):
		if _, err := mysql.ParseDSN(s); err != nil {
			return dataSource{}, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
		}
		return dataSource{dialect: DialectMySQL, driverName: "mysql", dsn: s}, nil

	case strings.HasPrefix(lower, "sqlite://"):
		return sqliteDataSource(s[len("sqlite://"):])
	case strings.HasPrefix(lower, "sqlite:"):
		return sqliteDataSource(s[len("sqlite:"):])
	case strings.HasPrefix(lower, "file:"), s == ":memory:":
		return sqliteDataSource(s)
	}
	return dataSource{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, RedactURL(s))
}

func isMySQLDSN(s string) bool {
	return strings.Contains(s, "@tcp(") || strings.Contains(s, "@unix(")
}

// sqliteDataSource rewrites in-memory databases to a uniquely named shared
// cache so every pooled connection sees the same schema.
func sqliteDataSource(dsn string) (dataSource, error) {
	if dsn == "" {
		return dataSource{}, fmt.Errorf("%w: empty sqlite path", ErrUnsupportedURL)
	}
	ds := dataSource{dialect: DialectSQLite, driverName: sqliteshim.ShimName, dsn: dsn}

	lower := strings.ToLower(dsn)
	switch {
	case lower == ":memory:", strings.HasPrefix(lower, "file::memory:"):
		ds.dsn = "file:fwk-" + uuid.NewString() + "?mode=memory&cache=shared"
		ds.memory = true
	case strings.Contains(lower, "mode=memory"):
		if !strings.Contains(lower, "cache=shared") {
			ds.dsn += "&cache=shared"
		}
		ds.memory = true
	}
	return ds, nil
}

// Connector/J parameters mapped to go-sql-driver DSN parameters.
var jdbcMySQLParams = map[string]string{
	"useSSL":              "tls",
	"serverTimezone":      "loc",
	"connectTimeout":      "timeout",
	"socketTimeout":       "readTimeout",
	"characterEncoding":   "charset",
	"connectionCollation": "collation",
	"allowMultiQueries":   "multiStatements",
}

// Connector/J parameters with no driver equivalent. They are dropped.
var jdbcMySQLIgnored = map[string]bool{
	"useUnicode":              true,
	"autoReconnect":           true,
	"allowPublicKeyRetrieval": true,
	"useLegacyDatetimeCode":   true,
	"zeroDateTimeBehavior":    true,
}

// go-sql-driver DSN parameters passed through as they are.
var nativeMySQLParams = map[string]bool{
	"tls": true, "loc": true, "timeout": true, "readTimeout": true,
	"writeTimeout": true, "charset": true, "collation": true,
	"parseTime": true, "multiStatements": true, "interpolateParams": true,
	"allowNativePasswords": true, "allowCleartextPasswords": true,
	"maxAllowedPacket": true, "clientFoundRows": true,
	"columnsWithAlias": true, "rejectReadOnly": true,
}

// mysqlDSNFromURL turns a mysql:// URL into a go-sql-driver DSN. Query
// parameters are translated to driver settings; snake_case names are
// MySQL system variables and are sent as SET on connect. Anything else is
// rejected, since the server would refuse it on every connection.
func mysqlDSNFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = u.Hostname() + ":3306"
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	params := url.Values{}
	for name, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch {
		case jdbcMySQLIgnored[name]:
			continue
		case jdbcMySQLParams[name] != "":
			key, v, err := translateJDBCParam(name, value)
			if err != nil {
				return "", err
			}
			params.Set(key, v)
		case nativeMySQLParams[name]:
			params.Set(name, value)
		case strings.Contains(name, "_") && strings.ToLower(name) == name:
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[name] = value
		default:
			return "", fmt.Errorf("%w: unknown mysql url parameter %q", ErrUnsupportedURL, name)
		}
	}

	dsn := cfg.FormatDSN()
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + params.Encode()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	return parsed.FormatDSN(), nil
}

func translateJDBCParam(name, value string) (string, string, error) {
	key := jdbcMySQLParams[name]
	switch name {
	case "connectTimeout", "socketTimeout":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s=%s", ErrUnsupportedURL, name, value)
		}
		return key, strconv.Itoa(ms) + "ms", nil
	case "characterEncoding":
		enc := strings.ToLower(strings.ReplaceAll(value, "-", ""))
		if enc == "utf8" {
			enc = "utf8mb4"
		}
		return key, enc, nil
	}
	return key, value, nil
}

// withMySQLCredentials replaces the user and password of a mysql DSN.
func withMySQLCredentials(dsn, username, password string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if username != "" {
		cfg.User = username
	}
	if password != "" {
		cfg.Passwd = password
	}
	return cfg.FormatDSN(), nil
}

// RedactURL hides the password of a connection URL or go-sql-driver DSN
// so it can be logged.
func RedactURL(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "jdbc:")
	if isMySQLDSN(s) {
		cfg, err := mysql.ParseDSN(s)
		if err != nil {
			return redactDSNUserInfo(s)
		}
		if cfg.Passwd != "" {
			cfg.Passwd = redactedPassword
		}
		return cfg.FormatDSN()
	}
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redactedPassword)
	}
	return u.String()
}

// redactDSNUserInfo masks the password of a DSN that does not parse.
func redactDSNUserInfo(s string) string {
	at := strings.Index(s, "@tcp(")
	if at < 0 {
		at = strings.Index(s, "@unix(")
	}
	if i := strings.Index(s[:at], ":"); i >= 0 {
		return s[:i+1] + redactedPassword + s[at:]
	}
	return s
}
