package sessionorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDBTransaction(t *testing.T) {
	orm := PrepareTables(t, NewRegistry())
	db := orm.Engine().DB(DefaultPoolCode)
	assert.Equal(t, "test", db.GetConfig().GetDatabaseName())
	assert.Equal(t, "utf8mb4", db.GetConfig().GetOptions().DefaultEncoding)
	logger := &MockLogHandler{}
	orm.RegisterQueryLogger(logger, true, false, false)

	tx, err := db.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	assert.NotNil(t, tx)
	_, err = tx.Exec(orm, "CREATE TEMPORARY TABLE `tmp_authors` (`ID` int unsigned NOT NULL AUTO_INCREMENT, PRIMARY KEY (`ID`))")
	assert.NoError(t, err)
	res, err := tx.Exec(orm, "INSERT INTO `tmp_authors` () VALUES ()")
	assert.NoError(t, err)
	id, err := res.LastInsertId()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	rows, closeRows, err := tx.Query(orm, "SELECT `ID` FROM `tmp_authors` WHERE `ID` = ?", 1)
	assert.NoError(t, err)
	assert.True(t, rows.Next())
	var found uint64
	assert.NoError(t, rows.Scan(&found))
	assert.Equal(t, uint64(1), found)
	closeRows()

	err = tx.Commit(orm)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(orm))
	assert.Equal(t, 2, logger.Count(sourceMySQL, "TRANSACTION"))
	assert.Equal(t, 1, logger.Count(sourceMySQL, "SELECT"))
}

func TestDBUnavailable(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterMySQL("root:root@tcp(localhost:1)/test", DefaultPoolCode, nil)
	_, err := registry.Validate()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
