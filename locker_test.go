package sessionorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocker(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterRedis("localhost:6395", 15, DefaultPoolCode, nil)
	validatedRegistry, err := registry.Validate()
	assert.Nil(t, err)
	orm := validatedRegistry.NewContext(context.Background())
	assert.NoError(t, orm.Engine().Redis(DefaultPoolCode).FlushDB(orm))
	testLogger := &MockLogHandler{}
	orm.RegisterQueryLogger(testLogger, false, true, false)

	l := orm.Engine().Redis(DefaultPoolCode).GetLocker()
	lock, has, err := l.Obtain(orm, "test_key", time.Second, 0)
	assert.NoError(t, err)
	assert.True(t, has)
	assert.NotNil(t, lock)
	has, err = lock.Refresh(orm, time.Second)
	assert.NoError(t, err)
	assert.True(t, has)

	_, has, err = l.Obtain(orm, "test_key", time.Second, time.Millisecond*100)
	assert.NoError(t, err)
	assert.False(t, has)

	left, err := lock.TTL(orm)
	assert.NoError(t, err)
	assert.LessOrEqual(t, left.Microseconds(), time.Second.Microseconds())
	assert.NoError(t, lock.Release(orm))

	lock, has, err = l.Obtain(orm, "test_key", time.Second*10, time.Second*10)
	assert.NoError(t, err)
	assert.True(t, has)

	assert.NoError(t, lock.Release(orm))
	assert.NoError(t, lock.Release(orm))
	has, err = lock.Refresh(orm, time.Second)
	assert.NoError(t, err)
	assert.False(t, has)
	assert.Greater(t, testLogger.Count(sourceRedis, "LOCK OBTAIN"), 0)

	_, _, err = l.Obtain(orm, "test_key", 0, time.Millisecond)
	assert.EqualError(t, err, "ttl must be higher than zero")

	_, _, err = l.Obtain(orm, "test_key", time.Second, time.Second*2)
	assert.EqualError(t, err, "waitTimeout can't be higher than ttl")
}

func TestTransactionLock(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterRedis("localhost:6395", 15, DefaultPoolCode, nil)
	orm := PrepareMemory(t, registry, &sessionAuthor{})
	opts := TransactionOptions{LockKey: "authors", LockTTL: time.Second * 5}

	tx, err := orm.Begin(opts)
	assert.NoError(t, err)

	_, err = orm.Clone().Begin(opts)
	assert.ErrorIs(t, err, ErrLockNotObtained)

	err = orm.Clone().Execute(TransactionOptions{LockKey: "other"}, func(other Transaction) error {
		_, err := other.Insert(&sessionAuthor{Name: "John Smith"})
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())

	err = orm.Clone().Execute(opts, func(other Transaction) error {
		_, err := other.Load(&sessionAuthor{}, 1)
		return err
	})
	assert.NoError(t, err)

	_, err = orm.Begin(TransactionOptions{LockKey: "authors", LockRedisPool: "missing"})
	assert.EqualError(t, err, "unregistered redis pool 'missing'")
}
