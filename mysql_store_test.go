package sessionorm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mysqlAuthor struct {
	ID        uint64 `orm:"table=authors"`
	Name      string `orm:"length=100"`
	Age       int
	Nickname  *string
	CreatedAt time.Time
}

func prepareMySQLAuthors(t *testing.T) Context {
	orm := PrepareTables(t, NewRegistry(), &mysqlAuthor{})
	created := time.Date(2024, 5, 1, 12, 30, 15, 123456000, time.UTC)
	err := orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		for _, name := range []string{"Mark Janel", "John Smith"} {
			if _, err := tx.Insert(&mysqlAuthor{Name: name, Age: 30, CreatedAt: created}); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(t, err)
	return orm
}

func TestMySQLStoreLoadAndFlush(t *testing.T) {
	orm := prepareMySQLAuthors(t)
	logger := &MockLogHandler{}
	orm.RegisterQueryLogger(logger, true, false, false)

	err := orm.Execute(TransactionOptions{Isolation: ReadCommitted}, func(tx Transaction) error {
		r, err := tx.Load(&mysqlAuthor{}, 1)
		assert.NoError(t, err)
		assert.Equal(t, "Mark Janel", r.Get("Name"))
		assert.Nil(t, r.Get("Nickname"))
		assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 15, 123456000, time.UTC), r.Get("CreatedAt"))

		assert.NoError(t, r.Set("Name", "SANGCO"))
		assert.Equal(t, "Mark Janel", projectMySQLName(t, tx, 1))
		res, err := tx.ExecuteQuery(NewEntityQuery(&mysqlAuthor{}, Eq("Name", "SANGCO")))
		assert.NoError(t, err)
		found, err := res.SingleRecord()
		assert.NoError(t, err)
		assert.Same(t, r, found)
		assert.Equal(t, "SANGCO", projectMySQLName(t, tx, 1))

		_, err = tx.Load(&mysqlAuthor{}, 99)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, logger.Count(sourceMySQL, "EXEC"))

	err = orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		author, err := Get[mysqlAuthor](tx, 1)
		assert.NoError(t, err)
		assert.Equal(t, "SANGCO", author.Name)
		assert.Equal(t, 30, author.Age)
		return nil
	})
	assert.NoError(t, err)
}

func TestMySQLStoreInnerTransactionIsolation(t *testing.T) {
	for isolation, expected := range map[Isolation]string{ReadCommitted: "Alicia Tom", RepeatableRead: "Mark Janel"} {
		t.Run(isolation.String(), func(t *testing.T) {
			orm := prepareMySQLAuthors(t)
			outer, err := orm.Begin(TransactionOptions{Isolation: isolation})
			assert.NoError(t, err)
			r, err := outer.Load(&mysqlAuthor{}, 1)
			assert.NoError(t, err)

			err = orm.Execute(TransactionOptions{Propagation: PropagationRequiresNew}, func(inner Transaction) error {
				innerRecord, err := inner.Load(&mysqlAuthor{}, 1)
				if err != nil {
					return err
				}
				return innerRecord.Set("Name", "Alicia Tom")
			})
			assert.NoError(t, err)

			assert.Equal(t, expected, projectMySQLName(t, outer, 1))
			again, err := outer.Load(&mysqlAuthor{}, 1)
			assert.NoError(t, err)
			assert.Same(t, r, again)
			assert.Equal(t, "Mark Janel", again.Get("Name"))
			assert.NoError(t, outer.Commit())
		})
	}
}

func TestMySQLStoreStaleWriteConflict(t *testing.T) {
	orm := prepareMySQLAuthors(t)
	tx, err := orm.Begin(TransactionOptions{Isolation: ReadCommitted})
	assert.NoError(t, err)
	r, err := tx.Load(&mysqlAuthor{}, 2)
	assert.NoError(t, err)

	err = orm.Clone().Execute(TransactionOptions{}, func(other Transaction) error {
		removed, err := other.Load(&mysqlAuthor{}, 2)
		if err != nil {
			return err
		}
		return other.Delete(removed)
	})
	assert.NoError(t, err)

	assert.NoError(t, r.Set("Age", 31))
	err = tx.Commit()
	assert.ErrorIs(t, err, ErrStaleWriteConflict)
	assert.False(t, tx.IsActive())
}

func TestMySQLStoreNativeQueries(t *testing.T) {
	orm := prepareMySQLAuthors(t)
	err := orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		first, err := tx.Load(&mysqlAuthor{}, 1)
		assert.NoError(t, err)
		assert.NoError(t, first.Set("Age", 41))

		res, err := tx.ExecuteQuery(NewNativeQuery(Projection, &mysqlAuthor{}, "SELECT `ID`, `Age` FROM `authors` WHERE `Age` > ?", 35))
		assert.NoError(t, err)
		assert.Equal(t, 0, res.Len())
		assert.True(t, first.IsDirty())

		res, err = tx.ExecuteQuery(NewNativeQuery(EntityLookup, &mysqlAuthor{}, "SELECT * FROM `authors` WHERE `Age` > ?", 35))
		assert.NoError(t, err)
		assert.False(t, first.IsDirty())
		found, err := res.SingleRecord()
		assert.NoError(t, err)
		assert.Same(t, first, found)

		joined := "SELECT a.`ID`, a.`Name`, a.`Age`, b.`Name` AS `Partner`, b.`Age` AS `PartnerAge` " +
			"FROM `authors` a JOIN `authors` b ON b.`ID` <> a.`ID` WHERE a.`ID` = ?"
		res, err = tx.ExecuteQuery(NewNativeQuery(EntityLookup, &mysqlAuthor{}, joined, 2))
		assert.NoError(t, err)
		second, err := res.SingleRecord()
		assert.NoError(t, err)
		assert.Equal(t, "John Smith", second.Get("Name"))
		assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 15, 123456000, time.UTC), second.Get("CreatedAt"))
		assert.Nil(t, second.Get("Partner"))

		res, err = tx.ExecuteQuery(NewNativeQuery(EntityLookup, &mysqlAuthor{}, "SELECT `ID` FROM `authors` ORDER BY `ID` DESC"))
		assert.NoError(t, err)
		assert.Equal(t, 2, res.Len())
		assert.Equal(t, "John Smith", res.Records[0].Get("Name"))
		assert.Same(t, first, res.Records[1])

		res, err = tx.ExecuteQuery(NewNativeQuery(Projection, &mysqlAuthor{}, "SELECT COUNT(*) AS `total` FROM `authors` WHERE `Age` >= ?", 0))
		assert.NoError(t, err)
		value, err := res.SingleValue("total")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), value)

		_, err = tx.ExecuteQuery(NewNativeQuery(EntityLookup, &mysqlAuthor{}, "SELECT `Name` FROM `authors`"))
		assert.EqualError(t, err, "entity query on mysqlAuthor must return the ID column")
		return nil
	})
	assert.NoError(t, err)
}

func TestMySQLStoreNullAndReadOnly(t *testing.T) {
	orm := prepareMySQLAuthors(t)
	err := orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		r, err := tx.Load(&mysqlAuthor{}, 2)
		assert.NoError(t, err)
		return r.Set("Nickname", "Johnny")
	})
	assert.NoError(t, err)

	err = orm.Execute(TransactionOptions{ReadOnly: true}, func(tx Transaction) error {
		res, err := tx.ExecuteQuery(NewProjectionQuery(&mysqlAuthor{}, []string{"ID"}, Eq("Nickname", nil)))
		assert.NoError(t, err)
		assert.Equal(t, []Bind{{"ID": uint64(1)}}, res.Rows)
		author, err := Get[mysqlAuthor](tx, 2)
		assert.NoError(t, err)
		assert.Equal(t, "Johnny", *author.Nickname)
		_, err = tx.Insert(&mysqlAuthor{Name: "x"})
		assert.ErrorIs(t, err, ErrReadOnlyTransaction)
		return nil
	})
	assert.NoError(t, err)
}

func projectMySQLName(t *testing.T, tx Transaction, id uint64) any {
	res, err := tx.ExecuteQuery(NewProjectionQuery(&mysqlAuthor{}, []string{"Name"}, ByID(id)))
	if !assert.NoError(t, err) {
		return nil
	}
	value, err := res.SingleValue("Name")
	assert.NoError(t, err)
	return value
}
