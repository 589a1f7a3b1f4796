package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consense-labs/cct/pkg/anchor"
)

func TestRunNoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cctctl"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "usage")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cctctl", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
}

func TestDemoLifecycle(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cctctl", "demo"}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())

	text := out.String()
	assert.Contains(t, text, "consense finalized: policy:consense:")
	assert.Contains(t, text, "token issued")
	assert.Contains(t, text, "parcel delivered")
	assert.Contains(t, text, "token revoked")
	assert.Contains(t, text, "integrity=true")
}

func TestVerifyChainCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chain.db")
	chain, err := anchor.OpenSQLiteChain(dbPath)
	require.NoError(t, err)
	_, err = chain.Append(context.Background(), anchor.Record{
		DETID:     "det:cli",
		Operation: anchor.OpConsense,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	var out, errOut bytes.Buffer
	code := Run([]string{"cctctl", "verify-chain", "-db", dbPath}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), "chain OK: 1 blocks")
}

func TestVerifyChainRequiresDB(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"cctctl", "verify-chain"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
