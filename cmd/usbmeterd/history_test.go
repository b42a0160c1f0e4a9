package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryRepo(t *testing.T) storage.Storage {
	t.Helper()

	cfg := storage.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "usbmeterd.db")
	cfg.BatchSize = 1
	cfg.BatchTimeout = 0

	repo, err := storage.NewRepository(cfg, logger.New())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestPrintLog(t *testing.T) {
	repo := newHistoryRepo(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AppendLog(fmt.Sprintf("2024-03-01 12:00:0%d - entry %d\n", i, i)))
	}

	var out bytes.Buffer
	require.NoError(t, printHistory(repo, logCommand, []string{"2"}, &out))
	assert.Equal(t, "2024-03-01 12:00:03 - entry 3\n2024-03-01 12:00:04 - entry 4\n", out.String())

	out.Reset()
	require.NoError(t, printHistory(repo, logCommand, nil, &out))
	assert.Contains(t, out.String(), "entry 0")
}

func TestPrintSessionsAndExport(t *testing.T) {
	repo := newHistoryRepo(t)

	id, err := repo.CreateSession("Phone", meter.FamilyUM.String())
	require.NoError(t, err)
	require.NoError(t, repo.StoreMeasurement(&meter.Sample{SessionID: id, Timestamp: 1700000000, Voltage: 5.1}))

	var out bytes.Buffer
	require.NoError(t, printHistory(repo, sessionsCommand, nil, &out))

	var sessions []storage.Session
	require.NoError(t, json.Unmarshal(out.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "Phone", sessions[0].Name)

	out.Reset()
	require.NoError(t, printHistory(repo, exportCommand, []string{fmt.Sprint(id)}, &out))

	var samples []meter.Sample
	require.NoError(t, json.Unmarshal(out.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.InDelta(t, 5.1, samples[0].Voltage, 1e-9)
	assert.Equal(t, id, samples[0].SessionID)
}

func TestExportUnknownSessionIsEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(newHistoryRepo(t), exportCommand, []string{"99"}, &out))
	assert.JSONEq(t, "[]", out.String())
}

func TestPrintHistoryRejectsBadArguments(t *testing.T) {
	repo := newHistoryRepo(t)

	err := printHistory(repo, exportCommand, nil, &bytes.Buffer{})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	err = printHistory(repo, logCommand, []string{"many"}, &bytes.Buffer{})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}
