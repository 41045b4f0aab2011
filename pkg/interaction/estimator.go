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
package interaction

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const estimatorEncoding = "cl100k_base"

// Estimator counts tokens in text for rate accounting. It uses a BPE
// encoding when available and falls back to a bytes/4 heuristic when the
// encoding cannot be loaded (e.g. offline first run).
type Estimator struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *zap.Logger
}

// NewEstimator creates an Estimator. The encoding is loaded lazily on
// first use.
func NewEstimator(logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{logger: logger}
}

// Estimate returns the token count for text. Never returns a negative
// value; non-empty text counts as at least one token.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(estimatorEncoding)
		if err != nil {
			e.logger.Warn("token encoding unavailable, falling back to byte heuristic", zap.Error(err))
			return
		}
		e.enc = enc
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
