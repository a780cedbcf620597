package sessionorm

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

type EntitySchema interface {
	GetName() string
	GetTableName() string
	GetType() reflect.Type
	GetColumns() []string
	GetStoreCode() string
	GetStore() Store
	GetChangeStream() (stream string, has bool)
	HasDynamicUpdate() bool
	GetTag(field, key, trueValue, defaultValue string) string
	CreateTable(ctx Context) error
	DropTable(ctx Context) error
	TruncateTable(ctx Context) error
}

type entitySchema struct {
	engine        *engineImplementation
	index         uint64
	name          string
	tableName     string
	t             reflect.Type
	columns       []*column
	columnsByName map[string]*column
	columnNames   []string
	tags          map[string]map[string]string
	storeCode     string
	store         Store
	changeStream  string
	dynamicUpdate bool
}

func getEntitySchemaFromSource(registry *engineRegistryImplementation, source any) (*entitySchema, error) {
	var schema *entitySchema
	var has bool
	switch s := source.(type) {
	case string:
		schema, has = registry.entitySchemasByName[strings.TrimPrefix(s, "*")]
	case reflect.Type:
		if s.Kind() == reflect.Ptr {
			s = s.Elem()
		}
		schema, has = registry.entitySchemas[s]
	default:
		t := reflect.TypeOf(source)
		if t == nil {
			return nil, errors.Wrap(ErrUnknownEntity, "nil entity")
		}
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		schema, has = registry.entitySchemas[t]
	}
	if !has {
		return nil, errors.Wrapf(ErrUnknownEntity, "'%v'", source)
	}
	return schema, nil
}

func (e *entitySchema) init(entityType reflect.Type) error {
	if entityType.Kind() != reflect.Struct {
		return errors.Errorf("entity must be a struct, %s given", entityType.String())
	}
	e.t = entityType
	e.name = entityType.Name()
	e.tags = make(map[string]map[string]string)
	e.columnsByName = make(map[string]*column)
	if entityType.NumField() == 0 {
		return errors.New("entity has no fields")
	}
	idField := entityType.Field(0)
	if idField.Name != "ID" {
		return errors.New("first field must be named ID")
	}
	switch idField.Type.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return errors.Errorf("ID field must be an unsigned integer, %s given", idField.Type.String())
	}
	for i := 0; i < entityType.NumField(); i++ {
		field := entityType.Field(i)
		if !field.IsExported() {
			continue
		}
		tags := extractTag(field)
		if _, ignored := tags["ignore"]; ignored {
			continue
		}
		c, err := newColumn(field, i, tags)
		if err != nil {
			return err
		}
		if len(tags) > 0 {
			e.tags[field.Name] = tags
		}
		e.columns = append(e.columns, c)
		e.columnsByName[c.name] = c
		e.columnNames = append(e.columnNames, c.name)
	}
	e.tableName = e.getTag("table", e.name, e.name)
	e.storeCode = e.getTag("store", DefaultPoolCode, DefaultPoolCode)
	e.changeStream = e.getTag("changes", "", "")
	e.dynamicUpdate = e.getTag("dynamicUpdate", "true", "") == "true"
	return nil
}

func extractTag(field reflect.StructField) map[string]string {
	tag, ok := field.Tag.Lookup("orm")
	if !ok {
		return nil
	}
	attributes := make(map[string]string)
	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		keyValue := strings.SplitN(part, "=", 2)
		if len(keyValue) == 2 {
			attributes[keyValue[0]] = keyValue[1]
		} else {
			attributes[keyValue[0]] = "true"
		}
	}
	return attributes
}

func (e *entitySchema) getTag(key, trueValue, defaultValue string) string {
	return e.GetTag("ID", key, trueValue, defaultValue)
}

func (e *entitySchema) GetTag(field, key, trueValue, defaultValue string) string {
	userValue, has := e.tags[field][key]
	if has {
		if userValue == "true" {
			return trueValue
		}
		return userValue
	}
	return defaultValue
}

func (e *entitySchema) GetName() string {
	return e.name
}

func (e *entitySchema) GetTableName() string {
	return e.tableName
}

func (e *entitySchema) GetType() reflect.Type {
	return e.t
}

func (e *entitySchema) GetColumns() []string {
	return e.columnNames
}

func (e *entitySchema) GetStoreCode() string {
	return e.storeCode
}

func (e *entitySchema) GetStore() Store {
	return e.store
}

func (e *entitySchema) GetChangeStream() (stream string, has bool) {
	return e.changeStream, e.changeStream != ""
}

func (e *entitySchema) HasDynamicUpdate() bool {
	return e.dynamicUpdate
}

func (e *entitySchema) CreateTable(ctx Context) error {
	return e.store.CreateTable(ctx, e)
}

func (e *entitySchema) DropTable(ctx Context) error {
	return e.store.DropTable(ctx, e)
}

func (e *entitySchema) TruncateTable(ctx Context) error {
	return e.store.TruncateTable(ctx, e)
}

func (e *entitySchema) normalizeValue(field string, value any) (any, error) {
	c, has := e.columnsByName[field]
	if !has {
		return nil, errors.Wrapf(ErrUnknownField, "%s.%s", e.name, field)
	}
	return c.normalize(value)
}

// bindFromStruct reads every column value of entity, a pointer to the schema struct.
func (e *entitySchema) bindFromStruct(entity any) (Bind, error) {
	value := reflect.ValueOf(entity)
	if value.Kind() != reflect.Ptr || value.IsNil() || value.Elem().Type() != e.t {
		return nil, errors.Errorf("expected *%s, %T given", e.t.String(), entity)
	}
	elem := value.Elem()
	bind := make(Bind, len(e.columns))
	for _, c := range e.columns {
		v, err := c.normalize(elem.Field(c.index).Interface())
		if err != nil {
			return nil, err
		}
		bind[c.name] = v
	}
	return bind, nil
}

func (e *entitySchema) fillStruct(entity any, bind Bind) error {
	value := reflect.ValueOf(entity)
	if value.Kind() != reflect.Ptr || value.IsNil() || value.Elem().Type() != e.t {
		return errors.Errorf("expected *%s, %T given", e.t.String(), entity)
	}
	elem := value.Elem()
	for _, c := range e.columns {
		v, has := bind[c.name]
		if !has {
			continue
		}
		c.set(elem.Field(c.index), v)
	}
	return nil
}
