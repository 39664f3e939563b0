/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package hashtask provides the job handlers for the hash job types the API
// accepts. Handlers are pure functions of their parameters; registering them
// on a worker registry is the only wiring they need.
package hashtask

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 is the product feature here, not a security control
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/chainguard-dev/hashwork/pkg/worker"
)

// argon2id parameters, per the library's recommended interactive settings.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Params is the parameter payload every hash job carries.
type Params struct {
	String string `json:"string"`
}

// Result is the common result shape for md5 and sha256 jobs.
type Result struct {
	OriginalString string  `json:"original_string"`
	MD5Hash        string  `json:"md5_hash,omitempty"`
	SHA256Hash     string  `json:"sha256_hash,omitempty"`
	ExecutionTime  float64 `json:"execution_time_seconds"`
}

// Argon2Result carries the salt alongside the digest so the hash is
// verifiable later.
type Argon2Result struct {
	OriginalString string  `json:"original_string"`
	Argon2Hash     string  `json:"argon2_hash"`
	Salt           string  `json:"salt"`
	ExecutionTime  float64 `json:"execution_time_seconds"`
}

// Register installs all hash handlers on the given registry.
func Register(r *worker.Registry) {
	r.Register("md5", MD5)
	r.Register("sha256", SHA256)
	r.Register("argon2", Argon2)
}

func decode(params json.RawMessage) (Params, error) {
	var p Params
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("decoding parameters: %w", err)
	}
	return p, nil
}

// MD5 computes the MD5 digest of the input string.
func MD5(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decode(params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sum := md5.Sum([]byte(p.String)) //nolint:gosec
	return json.Marshal(Result{
		OriginalString: p.String,
		MD5Hash:        hex.EncodeToString(sum[:]),
		ExecutionTime:  time.Since(start).Seconds(),
	})
}

// SHA256 computes the SHA-256 digest of the input string.
func SHA256(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decode(params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sum := sha256.Sum256([]byte(p.String))
	return json.Marshal(Result{
		OriginalString: p.String,
		SHA256Hash:     hex.EncodeToString(sum[:]),
		ExecutionTime:  time.Since(start).Seconds(),
	})
}

// Argon2 computes an argon2id digest of the input string with a random salt.
func Argon2(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := decode(params)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	start := time.Now()
	key := argon2.IDKey([]byte(p.String), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return json.Marshal(Argon2Result{
		OriginalString: p.String,
		Argon2Hash:     hex.EncodeToString(key),
		Salt:           hex.EncodeToString(salt),
		ExecutionTime:  time.Since(start).Seconds(),
	})
}
