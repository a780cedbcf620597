package sessionorm

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shamaton/msgpack"
)

const (
	changeActionAdd    = "add"
	changeActionEdit   = "edit"
	changeActionDelete = "delete"
)

// ChangeEvent describes one record change committed by a transaction.
type ChangeEvent struct {
	Action        string
	Entity        string
	ID            uint64
	TransactionID string
	Old           Bind
	New           Bind
	messageID     string
}

func (e *ChangeEvent) MessageID() string {
	return e.messageID
}

type changeBody struct {
	Old Bind
	New Bind
}

type pendingChange struct {
	stream string
	values []string
}

func createEventSlice(body any, meta []string) ([]string, error) {
	if body == nil {
		return meta, nil
	}
	asString, err := msgpack.Marshal(body)
	if err != nil {
		return nil, err
	}
	values := make([]string, len(meta)+2)
	values[0] = "s"
	values[1] = string(asString)
	for k, v := range meta {
		values[k+2] = v
	}
	return values, nil
}

func (t *transaction) addChange(schema *entitySchema, action string, id uint64, old, new Bind) {
	if schema.changeStream == "" {
		return
	}
	values, err := createEventSlice(changeBody{Old: old, New: new}, []string{
		"action", action,
		"entity", schema.name,
		"id", strconv.FormatUint(id, 10),
		"tx", t.id,
	})
	if err != nil {
		t.changesErr = err
		return
	}
	t.changes = append(t.changes, pendingChange{stream: schema.changeStream, values: values})
}

// publishChanges sends buffered change events, grouped per redis pool.
func (t *transaction) publishChanges() error {
	if t.changesErr != nil {
		return errors.Wrap(t.changesErr, "committed, but change events could not be encoded")
	}
	if len(t.changes) == 0 {
		return nil
	}
	pipelines := make(map[string]*RedisPipeLine)
	order := make([]string, 0)
	for _, change := range t.changes {
		pool := t.ctx.engine.registry.redisStreamPools[change.stream]
		pipeline, has := pipelines[pool]
		if !has {
			pipeline = newRedisPipeLine(t.ctx, t.ctx.engine.Redis(pool).(*redisCache))
			pipelines[pool] = pipeline
			order = append(order, pool)
		}
		pipeline.XAdd(change.stream, change.values)
	}
	t.changes = nil
	for _, pool := range order {
		if _, err := pipelines[pool].Exec(t.ctx); err != nil {
			return errors.Wrap(err, "committed, but change events were not published")
		}
	}
	return nil
}

type ChangeStreamHandler func(events []*ChangeEvent) error

// ChangeStreamConsumer reads change events of one stream as a member of a
// redis consumer group.
type ChangeStreamConsumer struct {
	ctx    Context
	redis  RedisCache
	stream string
	group  string
	name   string
}

func NewChangeStreamConsumer(ctx Context, stream, group string) (*ChangeStreamConsumer, error) {
	pool, has := ctx.Engine().Registry().RedisStreams()[stream]
	if !has {
		return nil, errors.Errorf("unregistered stream %s", stream)
	}
	return &ChangeStreamConsumer{ctx: ctx, redis: ctx.Engine().Redis(pool), stream: stream, group: group, name: "consumer-1"}, nil
}

func (c *ChangeStreamConsumer) SetName(name string) {
	c.name = name
}

// Digest reads up to count new events without blocking and passes them to
// handler. Events are acknowledged when handler returns nil.
func (c *ChangeStreamConsumer) Digest(count int, handler ChangeStreamHandler) (int, error) {
	if _, _, err := c.redis.XGroupCreateMkStream(c.ctx, c.stream, c.group, "0"); err != nil {
		return 0, err
	}
	results, err := c.redis.XReadGroup(c.ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count),
		Block:    -1,
	})
	if err != nil {
		return 0, err
	}
	events := make([]*ChangeEvent, 0)
	ids := make([]string, 0)
	for _, row := range results {
		for _, message := range row.Messages {
			ids = append(ids, message.ID)
			event := parseChangeEvent(message)
			if event != nil {
				events = append(events, event)
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if len(events) > 0 {
		if err = handler(events); err != nil {
			return 0, err
		}
	}
	if _, err = c.redis.XAck(c.ctx, c.stream, c.group, ids...); err != nil {
		return 0, err
	}
	return len(events), nil
}

func parseChangeEvent(message redis.XMessage) *ChangeEvent {
	tag := func(key string) string {
		val, has := message.Values[key]
		if !has {
			return ""
		}
		asString, _ := val.(string)
		return asString
	}
	action := tag("action")
	switch action {
	case changeActionAdd, changeActionEdit, changeActionDelete:
	default:
		return nil
	}
	id, err := strconv.ParseUint(tag("id"), 10, 64)
	if err != nil || id == 0 {
		return nil
	}
	event := &ChangeEvent{Action: action, Entity: tag("entity"), ID: id, TransactionID: tag("tx"), messageID: message.ID}
	if body := tag("s"); body != "" {
		decoded := changeBody{}
		if err = msgpack.Unmarshal([]byte(body), &decoded); err != nil {
			return nil
		}
		event.Old = decoded.Old
		event.New = decoded.New
	}
	return event
}
