package sessionorm

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger(t *testing.T) {
	orm := prepareAuthors(t, "Mark Janel")
	buffer := &bytes.Buffer{}
	logger := orm.Engine().Registry().getDefaultQueryLogger().(*defaultLogLogger)
	logger.logger = log.New(buffer, "", 0)
	orm.EnableQueryDebug()

	err := orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		_, err := tx.Load(&sessionAuthor{}, 1)
		return err
	})
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	assert.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "[SESSIONORM][memory][default][TRANSACTION]["))
	assert.Equal(t, "[SESSIONORM][session][default][GET][MISS] sessionAuthor 1", lines[3])

	buffer.Reset()
	duration := time.Millisecond
	fillLogFields(orm, []LogHandler{logger}, DefaultPoolCode, sourceMySQL, "EXEC", formatQueryLog("UPDATE `a`\nSET `b` = ?", 1, "x"), &duration, false, errors.New("failed"))
	assert.Equal(t, "[SESSIONORM][mysql][default][EXEC][1000µs] UPDATE `a` SET `b` = ? [1,\"x\"] ERROR: failed\n", buffer.String())
}
