package sessionorm

import (
	"sort"
	"time"
)

// Bind maps column names to normalized values.
type Bind map[string]any

func (b Bind) Get(key string) any {
	return b[key]
}

func (b Bind) clone() Bind {
	c := make(Bind, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}

func (b Bind) keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	aTime, isTime := a.(time.Time)
	if isTime {
		bTime, ok := b.(time.Time)
		return ok && aTime.Equal(bTime)
	}
	return a == b
}

// diffBinds returns the columns whose value in current differs from snapshot.
func diffBinds(snapshot, current Bind) (old, new Bind) {
	for k, v := range current {
		before := snapshot[k]
		if !valuesEqual(before, v) {
			if old == nil {
				old = Bind{}
				new = Bind{}
			}
			old[k] = before
			new[k] = v
		}
	}
	return old, new
}
