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

package utils

import (
	"bytes"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ConfigureConsoleWriter(&buf)
	t.Cleanup(func() {
		ConfigureConsoleWriter(nil)
		ConfigureConsoleLogFormat("text")
	})
	return &buf
}

func TestNewLoggerIsRegisteredOnce(t *testing.T) {
	a := NewLogger("REGISTRY")
	b := NewLogger("REGISTRY")
	assert.Same(t, a, b)

	assert.True(t, SetLoggerLevel("REGISTRY", "error"))
	assert.Equal(t, logrus.ErrorLevel, a.GetLevel())
	assert.False(t, SetLoggerLevel("NOT-REGISTERED", "debug"))
}

func TestTextFormat(t *testing.T) {
	buf := captureLogs(t)
	ConfigureConsoleLogFormat("text")
	log := NewLogger("TEXTFMT")
	log.SetLevel(logrus.InfoLevel)

	log.WithFields(logrus.Fields{"pool": "dsMaster", "max": 100}).Info("Pool provisioning completed")
	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "TEXTFMT")
	assert.Contains(t, out, "Pool provisioning completed max=100 pool=dsMaster")
	assert.True(t, strings.HasSuffix(out, "\n"))

	buf.Reset()
	log.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	buf := captureLogs(t)
	ConfigureConsoleLogFormat("JSON")
	log := NewLogger("JSONFMT")
	log.SetLevel(logrus.InfoLevel)

	log.WithField("pool", "dsMaster").Warn("Configured pool sizing is overridden")

	var entry map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Configured pool sizing is overridden", entry["message"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "dsMaster", entry["pool"])
	assert.Contains(t, entry["file"], "logger_test.go:")
}

func TestConfigureLogLevel(t *testing.T) {
	log := NewLogger("LEVELS")
	ConfigureLogLevel("warn")
	t.Cleanup(func() { ConfigureLogLevel("info") })
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.Equal(t, logrus.WarnLevel, NewLogger("LEVELS-LATE").GetLevel())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLogLevel(" DEBUG "))
	assert.Equal(t, logrus.WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, ParseLogLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLogLevel("verbose"))
}

func TestLimitRunes(t *testing.T) {
	assert.Equal(t, "pool.go:42", limitRunes("pool.go:42", 25))
	assert.Equal(t, "go:42", limitRunes("pool.go:42", 5))
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("FWK_TEST_STRING", "set")
	assert.Equal(t, "set", EnvDefaultString("FWK_TEST_STRING", "def"))
	assert.Equal(t, "def", EnvDefaultString("FWK_TEST_UNSET", "def"))
}
