package sessionorm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type MockLogHandler struct {
	Logs []map[string]any
}

func (h *MockLogHandler) Handle(_ Context, log map[string]any) {
	h.Logs = append(h.Logs, log)
}

func (h *MockLogHandler) Clear() {
	h.Logs = nil
}

// Count returns the number of logs with the given source and operation.
func (h *MockLogHandler) Count(source, operation string) int {
	total := 0
	for _, log := range h.Logs {
		if log["source"] == source && log["operation"] == operation {
			total++
		}
	}
	return total
}

// PrepareTables registers MySQL and Redis running on localhost and recreates
// tables of all entities.
func PrepareTables(t *testing.T, registry Registry, entities ...any) (orm Context) {
	registry.RegisterMySQL("root:root@tcp(localhost:3397)/test", DefaultPoolCode, &MySQLOptions{})
	registry.RegisterRedis("localhost:6395", 0, DefaultPoolCode, nil)
	registry.RegisterRedis("localhost:6395", 1, "second", nil)
	return prepare(t, registry, entities...)
}

// PrepareMemory registers only an in-memory store, no external services needed.
func PrepareMemory(t *testing.T, registry Registry, entities ...any) (orm Context) {
	registry.RegisterMemoryStore(DefaultPoolCode)
	return prepare(t, registry, entities...)
}

func prepare(t *testing.T, registry Registry, entities ...any) (orm Context) {
	registry.RegisterEntity(entities...)
	engine, err := registry.Validate()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	orm = engine.NewContext(context.Background())
	for _, r := range engine.Registry().RedisPools() {
		assert.NoError(t, r.FlushDB(orm))
	}
	for _, entity := range entities {
		schema := engine.Registry().EntitySchema(entity)
		assert.NotNil(t, schema)
		assert.NoError(t, schema.DropTable(orm))
		assert.NoError(t, schema.CreateTable(orm))
	}
	return orm
}
