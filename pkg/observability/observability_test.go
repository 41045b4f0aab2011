// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestPrometheusSinkCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg)

	s.OnRouted("a", "b", "TEXT")
	s.OnRouted("a", "b", "TEXT")
	s.OnRouted("b", "a", "RESPONSE")
	s.OnInterceptorError("audit", errors.New("boom"))
	s.OnCooldown("a", "minute")
	s.OnLateResponse("req-1")

	assert.Equal(t, 2.0, testutil.ToFloat64(s.routed.WithLabelValues("TEXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.routed.WithLabelValues("RESPONSE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.interceptorErrors.WithLabelValues("audit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.cooldowns.WithLabelValues("minute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.lateResponses))
}

func TestFanout(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusSink(reg)
	f := Fanout{NopSink{}, NewZapSink(zaptest.NewLogger(t)), prom}

	f.OnRouted("a", "b", "TEXT")
	f.OnCooldown("a", "hour")
	f.OnLateResponse("req-1")
	f.OnInterceptorError("audit", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.routed.WithLabelValues("TEXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.cooldowns.WithLabelValues("hour")))
}
