// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"

	"github.com/nimvote/nimvote/netparams"
	"github.com/stretchr/testify/require"
)

// TestFinishConfig checks network selection and option validation.
func TestFinishConfig(t *testing.T) {
	defer func() {
		activeNet = &netparams.MainNetParams
	}()

	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.DataDir = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	require.NoError(t, finishConfig(&cfg))
	require.Equal(t, netparams.MainNetParams.ExplorerURL, cfg.Explorer.Value)
	require.Equal(t, filepath.Join(dir, "mainnet"), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "logs", "mainnet"), cfg.LogDir)

	cfg = defaultConfig()
	cfg.TestNet = true
	require.NoError(t, finishConfig(&cfg))
	require.Same(t, &netparams.TestNetParams, activeNet)
	require.Equal(t, netparams.TestNetParams.ExplorerURL, cfg.Explorer.Value)

	cfg = defaultConfig()
	cfg.TestNet = true
	require.NoError(t, cfg.Explorer.UnmarshalFlag("http://localhost:8080"))
	require.NoError(t, finishConfig(&cfg))
	require.Equal(t, "http://localhost:8080", cfg.Explorer.Value)

	cfg = defaultConfig()
	cfg.Watch = true
	cfg.Publish = true
	require.Error(t, finishConfig(&cfg))

	cfg = defaultConfig()
	cfg.BatchSize = 0
	require.Error(t, finishConfig(&cfg))
}

// TestParseAndSetDebugLevels checks the accepted debug level forms.
func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("TALY=trace,CHAN=warn"))
	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("TALY=info,CHAN"))
	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))
}
