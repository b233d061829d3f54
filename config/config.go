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

// Package config loads the master data source settings from
// application.yml, per-profile overlays and FWK_ environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/egstep/fwk/database"
	"github.com/egstep/fwk/utils"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	KeyURL                = "db.jpa.master.url"
	KeyMinIdle            = "db.common.minIdle"
	KeyMaxPoolSize        = "db.common.maxPoolSize"
	KeyIdleTimeout        = "db.common.idleTimeout"
	KeyConnectionTimeout  = "db.common.connectionTimeout"
	KeyUserName           = "db.master.userName"
	KeyPassword           = "db.master.password"
	KeyDialect            = "db.common.dialect"
	KeySchema             = "db.jpa.master.schema"
	KeyDDLAuto            = "db.jpa.master.ddl-auto"
	KeyEntityPackages     = "db.jpa.master.entity-packages"
	KeyImportFiles        = "db.jpa.master.import-files"
	KeySlowQueryThreshold = "db.common.slowQueryThreshold"
	KeyLogLevel           = "logging.level"
	KeyLogFormat          = "logging.format"
)

const (
	DefaultEnvPrefix = "FWK"
	SecretProfile    = "secret"
	ProfilesEnv      = "FWK_PROFILES_ACTIVE"
	baseName         = "application"
)

var requiredKeys = []string{
	KeyURL, KeyMinIdle, KeyMaxPoolSize, KeyIdleTimeout,
	KeyUserName, KeyDialect, KeySchema, KeyDDLAuto,
}

var optionalKeys = []string{
	KeyConnectionTimeout, KeyEntityPackages, KeyImportFiles,
	KeySlowQueryThreshold, KeyLogLevel, KeyLogFormat,
}

// ErrMissingKey is wrapped by the error returned for an unresolved key.
var ErrMissingKey = errors.New("missing required configuration key")

type Options struct {
	// Dir holds application.yml and the profile files. Defaults to ".".
	Dir string
	// Profiles overrides FWK_PROFILES_ACTIVE.
	Profiles  []string
	EnvPrefix string
}

// Settings is the resolved configuration.
type Settings struct {
	URL                string        `yaml:"url"`
	UserName           string        `yaml:"user_name"`
	Password           string        `yaml:"password,omitempty"`
	MinIdle            int           `yaml:"min_idle"`
	MaxPoolSize        int           `yaml:"max_pool_size"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	Dialect            string        `yaml:"dialect"`
	Schema             string        `yaml:"schema"`
	DDLAuto            string        `yaml:"ddl_auto"`
	EntityPackages     []string      `yaml:"entity_packages,omitempty"`
	ImportFiles        []string      `yaml:"import_files,omitempty"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold,omitempty"`
	LogLevel           string        `yaml:"log_level,omitempty"`
	LogFormat          string        `yaml:"log_format,omitempty"`
	Profiles           []string      `yaml:"profiles,omitempty"`
}

// Load resolves Settings. The password is only taken from
// application-secret.yml or the environment, and only when the secret
// profile is active.
func Load(opts Options) (*Settings, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	profiles := activeProfiles(opts.Profiles)
	log := utils.NewLogger("CONFIG")

	vp := viper.New()
	vp.SetConfigType("yaml")
	files := []string{baseName + ".yml"}
	for _, p := range profiles {
		if p != SecretProfile {
			files = append(files, baseName+"-"+p+".yml")
		}
	}
	for _, name := range files {
		loaded, err := mergeFile(vp, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if loaded {
			log.WithField("file", name).Debug("Configuration file loaded")
		}
	}
	if vp.IsSet(KeyPassword) {
		log.WithField("key", KeyPassword).Warn("Password outside the secret profile is ignored")
	}
	applyEnv(vp, prefix, append(append([]string{}, requiredKeys...), optionalKeys...))

	for _, key := range requiredKeys {
		if !vp.IsSet(key) || strings.TrimSpace(vp.GetString(key)) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}

	s := &Settings{
		URL:       vp.GetString(KeyURL),
		UserName:  vp.GetString(KeyUserName),
		Dialect:   vp.GetString(KeyDialect),
		Schema:    vp.GetString(KeySchema),
		DDLAuto:   vp.GetString(KeyDDLAuto),
		LogLevel:  vp.GetString(KeyLogLevel),
		LogFormat: vp.GetString(KeyLogFormat),
		Profiles:  profiles,
	}
	var err error
	if s.MinIdle, err = intValue(vp, KeyMinIdle); err != nil {
		return nil, err
	}
	if s.MaxPoolSize, err = intValue(vp, KeyMaxPoolSize); err != nil {
		return nil, err
	}
	if s.IdleTimeout, err = millisValue(vp, KeyIdleTimeout); err != nil {
		return nil, err
	}
	if vp.IsSet(KeyConnectionTimeout) {
		if s.ConnectionTimeout, err = millisValue(vp, KeyConnectionTimeout); err != nil {
			return nil, err
		}
	}
	if vp.IsSet(KeySlowQueryThreshold) {
		if s.SlowQueryThreshold, err = cast.ToDurationE(vp.Get(KeySlowQueryThreshold)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeySlowQueryThreshold, err)
		}
	}
	s.EntityPackages = listValue(vp, KeyEntityPackages)
	s.ImportFiles = listValue(vp, KeyImportFiles)

	if hasProfile(profiles, SecretProfile) {
		if s.Password, err = loadSecret(dir, prefix); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func loadSecret(dir, prefix string) (string, error) {
	sv := viper.New()
	sv.SetConfigType("yaml")
	if _, err := mergeFile(sv, filepath.Join(dir, baseName+"-"+SecretProfile+".yml")); err != nil {
		return "", err
	}
	applyEnv(sv, prefix, []string{KeyPassword})
	return sv.GetString(KeyPassword), nil
}

// mergeFile merges path into vp. A missing file is not an error.
func mergeFile(vp *viper.Viper, path string) (bool, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := vp.MergeConfig(bytes.NewReader(content)); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// applyEnv overrides keys from the environment, for example
// db.common.minIdle from FWK_DB_COMMON_MINIDLE.
func applyEnv(vp *viper.Viper, prefix string, keys []string) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(EnvName(prefix, key)); ok {
			vp.Set(key, value)
		}
	}
}

// EnvName is the environment variable that overrides key.
func EnvName(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return prefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func activeProfiles(explicit []string) []string {
	raw := explicit
	if len(raw) == 0 {
		raw = strings.Split(os.Getenv(ProfilesEnv), ",")
	}
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" && !hasProfile(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func hasProfile(profiles []string, name string) bool {
	for _, p := range profiles {
		if p == name {
			return true
		}
	}
	return false
}

func intValue(vp *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(strings.TrimSpace(vp.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func millisValue(vp *viper.Viper, key string) (time.Duration, error) {
	n, err := cast.ToInt64E(strings.TrimSpace(vp.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// listValue accepts a YAML list or a comma separated string.
func listValue(vp *viper.Viper, key string) []string {
	if !vp.IsSet(key) {
		return nil
	}
	var raw []string
	switch v := vp.Get(key).(type) {
	case string:
		raw = strings.Split(v, ",")
	default:
		raw = cast.ToStringSlice(v)
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s *Settings) PoolConfig() database.PoolConfig {
	return database.PoolConfig{
		URL:               s.URL,
		Username:          s.UserName,
		Password:          s.Password,
		MinIdle:           s.MinIdle,
		MaxPoolSize:       s.MaxPoolSize,
		IdleTimeout:       s.IdleTimeout,
		ConnectionTimeout: s.ConnectionTimeout,
	}
}

func (s *Settings) PersistenceConfig() database.PersistenceConfig {
	return database.PersistenceConfig{
		Dialect:            s.Dialect,
		Schema:             s.Schema,
		DDLAuto:            s.DDLAuto,
		EntityPackages:     append([]string(nil), s.EntityPackages...),
		ImportFiles:        append([]string(nil), s.ImportFiles...),
		SlowQueryThreshold: s.SlowQueryThreshold,
	}
}

func (s *Settings) DatabaseConfig() database.Config {
	return database.Config{Pool: s.PoolConfig(), Persistence: s.PersistenceConfig()}
}

// ApplyLogging configures the shared loggers from logging.level and
// logging.format when they are set.
func (s *Settings) ApplyLogging() {
	if s.LogFormat != "" {
		utils.ConfigureConsoleLogFormat(s.LogFormat)
	}
	if s.LogLevel != "" {
		utils.ConfigureLogLevel(s.LogLevel)
	}
}

// Redacted renders the settings as YAML with the password and any
// credentials embedded in the URL masked.
func (s *Settings) Redacted() (string, error) {
	c := *s
	c.URL = database.RedactURL(c.URL)
	if c.Password != "" {
		c.Password = "******"
	}
	out, err := yaml.Marshal(&c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
