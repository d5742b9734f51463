package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func TestSuccessLedgerAddAndIsInSuccessIds(t *testing.T) {
	fs := afero.NewMemMapFs()
	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	assert.Equal(t, ledger.IsInSuccessIds(42), false)
	assert.NilError(t, ledger.AddSuccessId(42))
	assert.Equal(t, ledger.IsInSuccessIds(42), true)

	got, err := afero.ReadFile(fs, "/success/success-alice.txt")
	assert.NilError(t, err)
	assert.Equal(t, string(got), "42\r\n")
}

func TestSuccessLedgerRemoveSuccessId(t *testing.T) {
	fs := afero.NewMemMapFs()
	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	assert.NilError(t, ledger.AddSuccessId(1))
	assert.NilError(t, ledger.AddSuccessId(2))
	assert.NilError(t, ledger.AddSuccessId(3))

	assert.NilError(t, ledger.RemoveSuccessId(2))
	assert.Equal(t, ledger.IsInSuccessIds(2), false)
	assert.Equal(t, ledger.IsInSuccessIds(1), true)
	assert.Equal(t, ledger.IsInSuccessIds(3), true)

	got, err := afero.ReadFile(fs, "/success/success-alice.txt")
	assert.NilError(t, err)
	assert.Equal(t, string(got), "1\r\n3\r\n")
}

func TestSuccessLedgerRemoveSuccessIdMissingIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	assert.NilError(t, ledger.RemoveSuccessId(999))
}

func TestSuccessLedgerPeerReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/success/success-bob.txt", []byte("7\r\n"), 0o644))

	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)
	assert.Equal(t, ledger.IsInSuccessIds(7), true)

	assert.NilError(t, afero.WriteFile(fs, "/success/success-bob.txt", []byte("7\r\n8\r\n"), 0o644))
	assert.NilError(t, ledger.UpdateSuccessIds())
	assert.Equal(t, ledger.IsInSuccessIds(8), true)
}

func TestSuccessLedgerInitRemovesLeftoverTempLedger(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/success/success-alice-temp.txt", []byte("1\r\n"), 0o644))

	_, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	exists, _ := afero.Exists(fs, "/success/success-alice-temp.txt")
	assert.Equal(t, exists, false)
}

func TestSuccessLedgerAddTempSuccessIdAndClear(t *testing.T) {
	fs := afero.NewMemMapFs()
	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	assert.NilError(t, ledger.AddTempSuccessId(5))
	exists, _ := afero.Exists(fs, "/success/success-alice-temp.txt")
	assert.Equal(t, exists, true)

	assert.NilError(t, ledger.ClearTempLedger())
	exists, _ = afero.Exists(fs, "/success/success-alice-temp.txt")
	assert.Equal(t, exists, false)
}

func TestSuccessLedgerKnownCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/success/success-bob.txt", []byte("7\r\n8\r\n"), 0o644))

	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)
	assert.NilError(t, ledger.AddSuccessId(1))

	assert.Equal(t, ledger.KnownCount(), 3)
}
