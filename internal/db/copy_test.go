package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var containerCols = []string{"id", "shipment_id", "number"}

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "containers", containerCols, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"containers"}, containerCols).WillReturnResult(2)

	rows := [][]any{{"c1", "s1", "CMAU0630730"}, {"c2", "s1", "DFSU1916028"}}
	n, err := CopyFrom(context.Background(), mock, "containers", containerCols, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"containers"}, containerCols).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "containers", containerCols, [][]any{{"c1", "s1", "X"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO containers")
	assert.NoError(t, mock.ExpectationsWereMet())
}
