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

// Command dscheck starts the master persistence stack from configuration,
// prints a JSON health report and exits non-zero when anything fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/egstep/fwk"
	"github.com/egstep/fwk/config"
	"github.com/egstep/fwk/database"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type report struct {
	Healthy            bool                   `json:"healthy"`
	Profiles           []string               `json:"profiles,omitempty"`
	DataSource         *database.HealthStatus `json:"data_source,omitempty"`
	Requested          *database.PoolSettings `json:"requested,omitempty"`
	Effective          *database.PoolSettings `json:"effective,omitempty"`
	TimeZone           string                 `json:"time_zone,omitempty"`
	EntityManager      string                 `json:"entity_manager_factory,omitempty"`
	Entities           int                    `json:"entities"`
	Schema             *database.SchemaReport `json:"schema,omitempty"`
	Properties         map[string]string      `json:"properties,omitempty"`
	TransactionManager string                 `json:"transaction_manager,omitempty"`
	Error              string                 `json:"error,omitempty"`
	ErrorKind          string                 `json:"error_kind,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("dscheck", flag.ContinueOnError)
	dir := fs.String("config", ".", "directory holding application.yml")
	profiles := fs.String("profiles", "", "comma separated active profiles")
	timeout := fs.Duration("timeout", time.Minute, "overall startup timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	r := check(*dir, splitProfiles(*profiles), *timeout)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !r.Healthy {
		return 1
	}
	return 0
}

func check(dir string, profiles []string, timeout time.Duration) *report {
	r := &report{}
	fail := func(err error) *report {
		r.Error = err.Error()
		_, kind := database.Classify(err)
		r.ErrorKind = kind.String()
		return r
	}

	settings, err := config.Load(config.Options{Dir: dir, Profiles: profiles})
	if err != nil {
		return fail(err)
	}
	settings.ApplyLogging()
	r.Profiles = settings.Profiles

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := fwk.Start(ctx, settings.DatabaseConfig())
	if err != nil {
		return fail(err)
	}
	defer func() { _ = p.Close(context.Background()) }()

	requested, effective := p.Pool.Requested(), p.Pool.Settings()
	r.DataSource = p.Health(ctx)
	r.Requested = &requested
	r.Effective = &effective
	r.TimeZone = p.Pool.TimeZone()
	r.EntityManager = p.Context.Name()
	r.Entities = len(p.Context.Entities())
	r.Schema = p.Context.SchemaReport()
	r.Properties = p.Context.Properties()
	r.TransactionManager = p.Transactions.Name()
	r.Healthy = r.DataSource.Healthy
	if !r.Healthy {
		r.Error = r.DataSource.LastError
	}
	return r
}

func splitProfiles(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
