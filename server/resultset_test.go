package server

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanRowsConvertsDecimalAndIntAsStrings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []*sqlmock.Column{
		sqlmock.NewColumn("id").OfType("BIGINT", int64(0)),
		sqlmock.NewColumn("balance").OfType("DECIMAL", float64(0)),
		sqlmock.NewColumn("name").OfType("VARCHAR", ""),
	}
	rows := sqlmock.NewRowsWithColumnDefinition(cols...).
		AddRow([]byte("42"), []byte("19.99"), "alice")
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	got, err := db.Query("SELECT id, balance, name FROM accounts")
	require.NoError(t, err)
	defer got.Close()

	resp, err := scanRows(got)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "balance", "name"}, resp.Columns)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "42", resp.Rows[0][0])
	assert.Equal(t, "19.99", resp.Rows[0][1])
	assert.Equal(t, "alice", resp.Rows[0][2])
}

func TestScanRowsHandlesNullAndEmptyNumeric(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []*sqlmock.Column{
		sqlmock.NewColumn("count").OfType("INT", int64(0)),
		sqlmock.NewColumn("nickname").OfType("VARCHAR", ""),
	}
	rows := sqlmock.NewRowsWithColumnDefinition(cols...).
		AddRow([]byte{}, nil)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	got, err := db.Query("SELECT count, nickname FROM stats")
	require.NoError(t, err)
	defer got.Close()

	resp, err := scanRows(got)
	require.NoError(t, err)

	require.Len(t, resp.Rows, 1)
	assert.Equal(t, 0, resp.Rows[0][0])
	assert.Nil(t, resp.Rows[0][1])
}

func TestScanRowsReturnsNoRowsForEmptyResultSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id"})
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	got, err := db.Query("SELECT id FROM accounts")
	require.NoError(t, err)
	defer got.Close()

	resp, err := scanRows(got)
	require.NoError(t, err)
	assert.Empty(t, resp.Rows)
	assert.Equal(t, []string{"id"}, resp.Columns)
}
