package rel

import (
	"bytes"
	"cmp"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"
)

// Normalize maps a Go value onto the small set of types backends store:
// nil, int64, float64, bool, string, []byte and time.Time.
func Normalize(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case int64, float64, bool, string, []byte, time.Time:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			panic(fmt.Errorf("rel: %T.Value: %w", v, err))
		}
		return Normalize(dv)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return v
}

// Compare orders two normalized values. NULL sorts first.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch a := a.(type) {
	case int64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, b)
		case float64:
			return cmp.Compare(float64(a), b)
		}
	case float64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, float64(b))
		case float64:
			return cmp.Compare(a, b)
		}
	case string:
		switch b := b.(type) {
		case string:
			return cmp.Compare(a, b)
		case []byte:
			return cmp.Compare(a, string(b))
		}
	case []byte:
		switch b := b.(type) {
		case []byte:
			return bytes.Compare(a, b)
		case string:
			return cmp.Compare(string(a), b)
		}
	case bool:
		if b, ok := b.(bool); ok {
			switch {
			case a == b:
				return 0
			case !a:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if b, ok := b.(time.Time); ok {
			return a.Compare(b)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == 0 && sameFamily(a, b)
}

func sameFamily(a, b any) bool {
	switch a.(type) {
	case int64, float64:
		switch b.(type) {
		case int64, float64:
			return true
		}
		return false
	case string, []byte:
		switch b.(type) {
		case string, []byte:
			return true
		}
		return false
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// Match reports whether a row satisfies every condition.
func Match(row map[string]any, where []Cond) bool {
	for _, c := range where {
		v := row[c.Column]
		switch c.Op {
		case OpEq:
			if !Equal(v, c.Values[0]) {
				return false
			}
		case OpEqOrNull:
			if v != nil && !Equal(v, c.Values[0]) {
				return false
			}
		case OpIn:
			found := false
			for _, want := range c.Values {
				if Equal(v, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

var scannerType = reflect.TypeFor[sql.Scanner]()

// Assign stores a backend value into dest, a non-nil pointer, with roughly
// the conversions database/sql performs in Rows.Scan.
func Assign(dest, src any) error {
	if s, ok := dest.(sql.Scanner); ok {
		return s.Scan(src)
	}
	if p, ok := dest.(*any); ok {
		*p = src
		return nil
	}

	dp := reflect.ValueOf(dest)
	if dp.Kind() != reflect.Pointer || dp.IsNil() {
		return fmt.Errorf("rel: destination must be a non-nil pointer, got %T", dest)
	}
	dv := dp.Elem()
	if src == nil {
		dv.SetZero()
		return nil
	}

	if dv.Kind() == reflect.Pointer {
		elem := reflect.New(dv.Type().Elem())
		if err := Assign(elem.Interface(), src); err != nil {
			return err
		}
		dv.Set(elem)
		return nil
	}

	src = Normalize(src)
	sv := reflect.ValueOf(src)

	switch dv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch s := src.(type) {
		case int64:
			if dv.OverflowInt(s) {
				return fmt.Errorf("rel: value %d overflows %v", s, dv.Type())
			}
			dv.SetInt(s)
			return nil
		case float64:
			dv.SetInt(int64(s))
			return nil
		case bool:
			if s {
				dv.SetInt(1)
			} else {
				dv.SetInt(0)
			}
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if s, ok := src.(int64); ok && s >= 0 {
			dv.SetUint(uint64(s))
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch s := src.(type) {
		case float64:
			dv.SetFloat(s)
			return nil
		case int64:
			dv.SetFloat(float64(s))
			return nil
		}
	case reflect.Bool:
		switch s := src.(type) {
		case bool:
			dv.SetBool(s)
			return nil
		case int64:
			dv.SetBool(s != 0)
			return nil
		}
	case reflect.String:
		switch s := src.(type) {
		case string:
			dv.SetString(s)
			return nil
		case []byte:
			dv.SetString(string(s))
			return nil
		}
	case reflect.Slice:
		if dv.Type().Elem().Kind() == reflect.Uint8 {
			switch s := src.(type) {
			case []byte:
				dv.SetBytes(bytes.Clone(s))
				return nil
			case string:
				dv.SetBytes([]byte(s))
				return nil
			}
		}
	}

	if sv.Type().AssignableTo(dv.Type()) {
		dv.Set(sv)
		return nil
	}
	if reflect.PointerTo(dv.Type()).Implements(scannerType) {
		return dv.Addr().Interface().(sql.Scanner).Scan(src)
	}
	return fmt.Errorf("rel: cannot assign %T to %v", src, dv.Type())
}
