package sessionorm

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordEvent struct {
	ID        uint64
	Name      string `orm:"length=100"`
	Score     float64
	Active    bool
	StartsAt  time.Time
	EndsAt    *time.Time
	Attendees uint32
	Internal  string `orm:"ignore"`
}

func TestRecord(t *testing.T) {
	orm := PrepareMemory(t, NewRegistry(), &recordEvent{})
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	assert.NoError(t, err)
	starts := time.Date(2024, 5, 1, 12, 30, 0, 0, warsaw)

	err = orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		event := &recordEvent{Name: "GopherCon", Score: 4.5, StartsAt: starts, Attendees: 300, Internal: "skip"}
		r, err := tx.Insert(event)
		assert.NoError(t, err)
		assert.Equal(t, uint64(1), event.ID)
		assert.Equal(t, "recordEvent(1)", r.String())
		assert.Equal(t, "recordEvent", r.Entity().GetName())
		assert.Equal(t, []string{"ID", "Name", "Score", "Active", "StartsAt", "EndsAt", "Attendees"}, r.Entity().GetColumns())
		assert.Equal(t, "100", r.Entity().GetTag("Name", "length", "", ""))
		assert.Equal(t, starts.UTC(), r.Get("StartsAt"))
		assert.Nil(t, r.Get("EndsAt"))
		assert.Nil(t, r.Get("Internal"))

		assert.NoError(t, r.Set("StartsAt", starts.In(time.UTC)))
		assert.False(t, r.IsDirty())
		assert.NoError(t, r.Set("Attendees", 301))
		assert.NoError(t, r.Set("Active", 1))
		ends := starts.Add(time.Hour * 8)
		assert.NoError(t, r.Set("EndsAt", &ends))
		assert.True(t, r.IsDirty())

		old, changed := r.Changes()
		assert.Equal(t, Bind{"Attendees": uint64(300), "Active": false, "EndsAt": nil}, old)
		assert.Equal(t, Bind{"Attendees": uint64(301), "Active": true, "EndsAt": ends.UTC()}, changed)

		assert.ErrorIs(t, r.Set("Title", "x"), ErrUnknownField)
		assert.EqualError(t, r.Set("ID", 2), "ID can't be changed")
		assert.EqualError(t, r.Set("Score", "high"), "invalid value 'high' for column Score: strconv.ParseFloat: parsing \"high\": invalid syntax")
		assert.EqualError(t, r.Set("Attendees", -1), "invalid value -1 (int) for column Attendees")

		values := r.Values()
		values["Name"] = "changed"
		assert.Equal(t, "GopherCon", r.Get("Name"))

		populated := &recordEvent{Internal: "kept"}
		assert.NoError(t, r.Populate(populated))
		assert.Equal(t, uint64(1), populated.ID)
		assert.Equal(t, uint32(301), populated.Attendees)
		assert.True(t, populated.Active)
		assert.Equal(t, ends.UTC(), *populated.EndsAt)
		assert.Equal(t, "kept", populated.Internal)
		assert.EqualError(t, r.Populate(&sessionAuthor{}), "expected *sessionorm.recordEvent, *sessionorm.sessionAuthor given")

		asJSON, err := r.MarshalJSON()
		assert.NoError(t, err)
		assert.JSONEq(t, `{"ID":1,"Name":"GopherCon","Score":4.5,"Active":true,"StartsAt":"2024-05-01T10:30:00Z",
			"EndsAt":"2024-05-01T18:30:00Z","Attendees":301}`, string(asJSON))
		return nil
	})
	assert.NoError(t, err)

	err = orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		event, err := Get[recordEvent](tx, 1)
		assert.NoError(t, err)
		assert.Equal(t, "GopherCon", event.Name)
		assert.Equal(t, 4.5, event.Score)
		assert.True(t, event.StartsAt.Equal(starts))
		assert.Equal(t, time.UTC, event.StartsAt.Location())
		assert.Equal(t, "", event.Internal)
		return nil
	})
	assert.NoError(t, err)
}

func TestRecordInvalidEntities(t *testing.T) {
	type noID struct {
		Name string
	}
	type signedID struct {
		ID int64
	}
	type unsupported struct {
		ID   uint64
		Tags []string
	}
	type badLength struct {
		ID   uint64
		Name string `orm:"length=zero"`
	}
	for _, entity := range []any{&noID{}, &signedID{}, &unsupported{}, &badLength{}} {
		registry := NewRegistry()
		registry.RegisterMemoryStore(DefaultPoolCode)
		registry.RegisterEntity(entity)
		_, err := registry.Validate()
		assert.Error(t, err)
	}
}

func TestRecordIntRange(t *testing.T) {
	orm := prepareAuthors(t, "Mark Janel")
	err := orm.Execute(TransactionOptions{}, func(tx Transaction) error {
		r, err := tx.Load(&sessionAuthor{}, 1)
		assert.NoError(t, err)
		assert.EqualError(t, r.Set("Age", uint64(math.MaxUint64)), "invalid value 18446744073709551615 (uint64) for column Age")
		assert.Equal(t, int64(30), r.Get("Age"))
		assert.NoError(t, r.Set("Age", uint64(math.MaxInt64)))
		assert.Equal(t, int64(math.MaxInt64), r.Get("Age"))
		return nil
	})
	assert.NoError(t, err)
}
