package sessionorm

import (
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindUint
	kindFloat
	kindBool
	kindTime
)

const mysqlTimeLayout = "2006-01-02 15:04:05.999999"

var timeType = reflect.TypeOf(time.Time{})

type column struct {
	name     string
	index    int
	kind     columnKind
	nullable bool
	length   int
	t        reflect.Type
}

func newColumn(field reflect.StructField, index int, tags map[string]string) (*column, error) {
	c := &column{name: field.Name, index: index, t: field.Type, length: 255}
	t := field.Type
	if t.Kind() == reflect.Ptr {
		c.nullable = true
		t = t.Elem()
	}
	switch {
	case t == timeType:
		c.kind = kindTime
	case t.Kind() == reflect.String:
		c.kind = kindString
	case t.Kind() == reflect.Bool:
		c.kind = kindBool
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Int64:
		c.kind = kindInt
	case t.Kind() >= reflect.Uint && t.Kind() <= reflect.Uint64:
		c.kind = kindUint
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		c.kind = kindFloat
	default:
		return nil, errors.Errorf("field %s has unsupported type %s", field.Name, field.Type.String())
	}
	if length, has := tags["length"]; has {
		l, err := strconv.Atoi(length)
		if err != nil || l <= 0 {
			return nil, errors.Errorf("invalid length '%s' for field %s", length, field.Name)
		}
		c.length = l
	}
	return c, nil
}

func (c *column) zero() any {
	switch c.kind {
	case kindInt:
		return int64(0)
	case kindUint:
		return uint64(0)
	case kindFloat:
		return float64(0)
	case kindBool:
		return false
	case kindTime:
		return time.Time{}
	default:
		return ""
	}
}

// normalize converts value into the canonical Go type stored in Bind.
func (c *column) normalize(value any) (any, error) {
	if value == nil {
		if c.nullable {
			return nil, nil
		}
		return c.zero(), nil
	}
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return c.normalize(nil)
		}
		v = v.Elem()
	}
	if asBytes, isBytes := v.Interface().([]byte); isBytes {
		return c.parse(string(asBytes))
	}
	switch c.kind {
	case kindString:
		if v.Kind() == reflect.String {
			return v.String(), nil
		}
	case kindInt:
		switch {
		case v.Kind() >= reflect.Int && v.Kind() <= reflect.Int64:
			return v.Int(), nil
		case v.Kind() >= reflect.Uint && v.Kind() <= reflect.Uint64:
			if v.Uint() > math.MaxInt64 {
				break
			}
			return int64(v.Uint()), nil
		case v.Kind() == reflect.String:
			return c.parse(v.String())
		}
	case kindUint:
		switch {
		case v.Kind() >= reflect.Uint && v.Kind() <= reflect.Uint64:
			return v.Uint(), nil
		case v.Kind() >= reflect.Int && v.Kind() <= reflect.Int64:
			if v.Int() < 0 {
				break
			}
			return uint64(v.Int()), nil
		case v.Kind() == reflect.String:
			return c.parse(v.String())
		}
	case kindFloat:
		switch {
		case v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64:
			return v.Float(), nil
		case v.Kind() >= reflect.Int && v.Kind() <= reflect.Int64:
			return float64(v.Int()), nil
		case v.Kind() >= reflect.Uint && v.Kind() <= reflect.Uint64:
			return float64(v.Uint()), nil
		case v.Kind() == reflect.String:
			return c.parse(v.String())
		}
	case kindBool:
		switch {
		case v.Kind() == reflect.Bool:
			return v.Bool(), nil
		case v.Kind() >= reflect.Int && v.Kind() <= reflect.Int64:
			return v.Int() != 0, nil
		case v.Kind() >= reflect.Uint && v.Kind() <= reflect.Uint64:
			return v.Uint() != 0, nil
		}
	case kindTime:
		if v.Type() == timeType {
			return v.Interface().(time.Time).UTC(), nil
		}
		if v.Kind() == reflect.String {
			return c.parse(v.String())
		}
	}
	return nil, errors.Errorf("invalid value %v (%T) for column %s", value, value, c.name)
}

func (c *column) parse(value string) (any, error) {
	var parsed any
	var err error
	switch c.kind {
	case kindString:
		return value, nil
	case kindInt:
		parsed, err = strconv.ParseInt(value, 10, 64)
	case kindUint:
		parsed, err = strconv.ParseUint(value, 10, 64)
	case kindFloat:
		parsed, err = strconv.ParseFloat(value, 64)
	case kindBool:
		parsed = value == "1" || value == "true"
	case kindTime:
		var t time.Time
		t, err = time.ParseInLocation(mysqlTimeLayout, value, time.UTC)
		parsed = t
	}
	if err != nil {
		return nil, errors.Wrapf(err, "invalid value '%s' for column %s", value, c.name)
	}
	return parsed, nil
}

// set assigns a normalized value to the struct field this column maps to.
func (c *column) set(field reflect.Value, value any) {
	if value == nil {
		field.Set(reflect.Zero(c.t))
		return
	}
	target := field
	if c.nullable {
		ptr := reflect.New(c.t.Elem())
		field.Set(ptr)
		target = ptr.Elem()
	}
	switch c.kind {
	case kindString:
		target.SetString(value.(string))
	case kindInt:
		target.SetInt(value.(int64))
	case kindUint:
		target.SetUint(value.(uint64))
	case kindFloat:
		target.SetFloat(value.(float64))
	case kindBool:
		target.SetBool(value.(bool))
	case kindTime:
		target.Set(reflect.ValueOf(value.(time.Time)))
	}
}

func (c *column) mysqlDefinition() string {
	definition := "`" + c.name + "` "
	switch c.kind {
	case kindString:
		definition += "varchar(" + strconv.Itoa(c.length) + ")"
	case kindInt:
		definition += "bigint"
	case kindUint:
		definition += "bigint unsigned"
	case kindFloat:
		definition += "double"
	case kindBool:
		definition += "tinyint(1)"
	case kindTime:
		definition += "datetime(6)"
	}
	if c.nullable {
		return definition + " NULL DEFAULT NULL"
	}
	switch c.kind {
	case kindString:
		return definition + " NOT NULL DEFAULT ''"
	case kindTime:
		return definition + " NOT NULL"
	}
	return definition + " NOT NULL DEFAULT 0"
}
