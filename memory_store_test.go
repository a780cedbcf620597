package sessionorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func prepareMemoryStore(t *testing.T) (Context, *memoryStore, *entitySchema) {
	orm := PrepareMemory(t, NewRegistry(), &sessionAuthor{})
	store := orm.Engine().Store(DefaultPoolCode).(*memoryStore)
	schema := orm.Engine().Registry().EntitySchema(&sessionAuthor{}).(*entitySchema)
	return orm, store, schema
}

func TestMemoryStoreVisibility(t *testing.T) {
	orm, store, schema := prepareMemoryStore(t)
	writer, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	id, err := writer.InsertRow(orm, schema, Bind{"Name": "Mark Janel"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	row, found, err := writer.ReadRow(orm, schema, id)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Bind{"ID": uint64(1), "Name": "Mark Janel", "Age": int64(0)}, row)

	dirtyReader, err := store.Begin(orm, ReadUncommitted, false)
	assert.NoError(t, err)
	committedReader, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	snapshotReader, err := store.Begin(orm, IsolationDefault, false)
	assert.NoError(t, err)
	assert.Equal(t, RepeatableRead, snapshotReader.Isolation())

	_, found, err = dirtyReader.ReadRow(orm, schema, id)
	assert.NoError(t, err)
	assert.True(t, found)
	_, found, err = committedReader.ReadRow(orm, schema, id)
	assert.NoError(t, err)
	assert.False(t, found)
	_, found, err = snapshotReader.ReadRow(orm, schema, id)
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, writer.Commit(orm))
	_, found, err = committedReader.ReadRow(orm, schema, id)
	assert.NoError(t, err)
	assert.True(t, found)
	rows, err := snapshotReader.Select(orm, schema, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, rows, 0)

	assert.NoError(t, dirtyReader.Rollback(orm))
	assert.NoError(t, committedReader.Rollback(orm))
	assert.NoError(t, snapshotReader.Rollback(orm))
	assert.Len(t, store.active, 0)
}

func TestMemoryStoreStaleWrites(t *testing.T) {
	orm, store, schema := prepareMemoryStore(t)
	setup, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	_, err = setup.InsertRow(orm, schema, Bind{"Name": "Mark Janel"})
	assert.NoError(t, err)
	assert.NoError(t, setup.Commit(orm))

	updater, err := store.Begin(orm, RepeatableRead, false)
	assert.NoError(t, err)
	assert.NoError(t, updater.UpdateRow(orm, schema, 1, Bind{"Name": "SANGCO"}))

	remover, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	assert.NoError(t, remover.DeleteRow(orm, schema, 1))
	assert.NoError(t, remover.Commit(orm))

	err = updater.Commit(orm)
	assert.ErrorIs(t, err, ErrStaleWriteConflict)
	assert.NoError(t, updater.Commit(orm))

	late, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	assert.ErrorIs(t, late.UpdateRow(orm, schema, 1, Bind{"Name": "x"}), ErrStaleWriteConflict)
	assert.ErrorIs(t, late.DeleteRow(orm, schema, 1), ErrStaleWriteConflict)
	assert.NoError(t, late.Rollback(orm))
}

func TestMemoryStoreInsertRules(t *testing.T) {
	orm, store, schema := prepareMemoryStore(t)
	first, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	id, err := first.InsertRow(orm, schema, Bind{"ID": uint64(10), "Name": "Mark Janel"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(10), id)

	second, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	_, err = second.InsertRow(orm, schema, Bind{"ID": uint64(10)})
	assert.EqualError(t, err, "duplicate entry '10' for key 'sessionAuthor.PRIMARY'")
	id, err = second.InsertRow(orm, schema, Bind{"Name": "John Smith"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(11), id)

	assert.NoError(t, first.Commit(orm))
	assert.NoError(t, second.Commit(orm))

	readOnly, err := store.Begin(orm, ReadCommitted, true)
	assert.NoError(t, err)
	rows, err := readOnly.Select(orm, schema, []string{"Name"}, []Condition{{Field: "Age", Value: int64(0)}})
	assert.NoError(t, err)
	assert.Equal(t, []Bind{{"Name": "Mark Janel"}, {"Name": "John Smith"}}, rows)
	_, err = readOnly.InsertRow(orm, schema, Bind{"Name": "x"})
	assert.ErrorIs(t, err, ErrReadOnlyTransaction)
	assert.ErrorIs(t, readOnly.UpdateRow(orm, schema, 10, Bind{"Name": "x"}), ErrReadOnlyTransaction)
	assert.ErrorIs(t, readOnly.DeleteRow(orm, schema, 10), ErrReadOnlyTransaction)
	assert.NoError(t, readOnly.Commit(orm))

	_, _, err = readOnly.ReadRow(orm, schema, 10)
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestMemoryStoreTruncateAndUnavailable(t *testing.T) {
	orm, store, schema := prepareMemoryStore(t)
	tx, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	_, err = tx.InsertRow(orm, schema, Bind{"Name": "Mark Janel"})
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(orm))

	assert.NoError(t, schema.TruncateTable(orm))
	tx, err = store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	rows, err := tx.Select(orm, schema, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, rows, 0)
	id, err := tx.InsertRow(orm, schema, Bind{"Name": "John Smith"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	logger := &MockLogHandler{}
	orm.RegisterQueryLogger(logger, true, false, false)
	store.setAvailable(false)
	_, err = tx.Select(orm, schema, nil, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, tx.Commit(orm), ErrStoreUnavailable)
	assert.Len(t, logger.Logs, 2)
	assert.Equal(t, "memory store 'default': store unavailable", logger.Logs[0]["error"])
	store.setAvailable(true)
	assert.Len(t, store.active, 0)
}

func TestMemoryStoreUpdateKeepsLaterCommittedColumns(t *testing.T) {
	orm, store, schema := prepareMemoryStore(t)
	setup, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	_, err = setup.InsertRow(orm, schema, Bind{"Name": "Mark Janel", "Age": int64(30)})
	assert.NoError(t, err)
	assert.NoError(t, setup.Commit(orm))

	first, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	assert.NoError(t, first.UpdateRow(orm, schema, 1, Bind{"Name": "SANGCO"}))

	second, err := store.Begin(orm, ReadCommitted, false)
	assert.NoError(t, err)
	assert.NoError(t, second.UpdateRow(orm, schema, 1, Bind{"Age": int64(55)}))
	assert.NoError(t, second.Commit(orm))

	row, found, err := first.ReadRow(orm, schema, 1)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(30), row["Age"])
	assert.NoError(t, first.UpdateRow(orm, schema, 1, Bind{"Name": "SANGCO Ltd"}))
	assert.NoError(t, first.Commit(orm))

	check, err := store.Begin(orm, ReadCommitted, true)
	assert.NoError(t, err)
	row, found, err = check.ReadRow(orm, schema, 1)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Bind{"ID": uint64(1), "Name": "SANGCO Ltd", "Age": int64(55)}, row)
	assert.NoError(t, check.Rollback(orm))
}

func TestMemoryStoreCommitAfterTableDropped(t *testing.T) {
	orm := prepareAuthors(t)
	schema := orm.Engine().Registry().EntitySchema(&sessionAuthor{})
	tx, err := orm.Begin(TransactionOptions{})
	assert.NoError(t, err)
	_, err = tx.Insert(&sessionAuthor{Name: "Mark Janel"})
	assert.NoError(t, err)

	assert.NoError(t, schema.DropTable(orm.Clone()))
	err = tx.Commit()
	assert.EqualError(t, err, "table 'sessionAuthor' doesn't exist")
	assert.False(t, tx.IsActive())
	assert.Len(t, orm.Engine().Store(DefaultPoolCode).(*memoryStore).active, 0)

	assert.NoError(t, schema.CreateTable(orm))
	err = orm.Execute(TransactionOptions{}, func(check Transaction) error {
		_, found, err := check.Find(&sessionAuthor{}, 1)
		assert.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	assert.NoError(t, err)
}
