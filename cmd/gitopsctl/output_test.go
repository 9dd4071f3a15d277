package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

func TestPrintStatusesTable(t *testing.T) {
	outputFormat = "table"
	buf := &bytes.Buffer{}

	err := printStatuses(buf, []models.TargetStatus{{
		Target:       models.TargetRef{Kind: models.KindService, Name: "billing"},
		SyncStatus:   models.Synced,
		State:        models.StateSynced,
		DeclaredSeq:  4,
		DeclaredHash: "0123456789abcdef",
		LiveHash:     "0123456789abcdef",
	}})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "service/billing")
	require.Contains(t, buf.String(), "01234567")
	require.NotContains(t, buf.String(), "0123456789abcdef")
}

func TestPrintStatusesJSON(t *testing.T) {
	outputFormat = "json"
	defer func() { outputFormat = "table" }()
	buf := &bytes.Buffer{}

	err := printStatuses(buf, []models.TargetStatus{{
		Target:     models.TargetRef{Kind: models.KindService, Name: "billing"},
		SyncStatus: models.OutOfSync,
		State:      models.StateDegraded,
	}})
	require.NoError(t, err)

	var decoded []models.TargetStatus
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, models.StateDegraded, decoded[0].State)
}

func TestUnknownOutputFormat(t *testing.T) {
	outputFormat = "xml"
	defer func() { outputFormat = "table" }()

	err := printRevisions(&bytes.Buffer{}, nil)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, exitCodeNotFound, exitCode(fmt.Errorf("%w: service/x", models.ErrNotFound)))
	require.Equal(t, exitCodeRejected, exitCode(models.ErrValidation))
	require.Equal(t, exitCodeError, exitCode(models.ErrTransientIO))
}
