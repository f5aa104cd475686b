// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testbackend configures the backend used by the tests of this module.
//
// Unless GOMLX_BACKEND is set, tests run on the pure Go "simplego" backend, which requires no
// accelerator or PJRT plugin installed.
package testbackend

import (
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// Setup sets GOMLX_BACKEND to the simplego backend, if not already set.
// Call it from the test package init(), before graphtest creates its backend.
func Setup() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		must.M(os.Setenv(backends.ConfigEnvVar, simplego.BackendName))
	}
}

// Build returns the backend shared by all tests of the package.
func Build() backends.Backend {
	backendOnce.Do(func() {
		Setup()
		cachedBackend = backends.MustNew()
		klog.V(1).Infof("Test backend: %s", cachedBackend.Description())
	})
	return cachedBackend
}
