package client

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/marioevz/builder-client/types/common"
)

var (
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// decodeVersioned decodes a {"version", "data"} body into dst, which must be a
// prototype of the schema of the expected milestone. Required fields are
// checked before decoding, the version tag after.
func decodeVersioned(body []byte, expected common.Milestone, dst interface{}) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &DecodeError{Milestone: expected, Err: err}
	}

	var missing []string
	rawVersion, ok := envelope["version"]
	if !ok {
		missing = append(missing, "version")
	}
	rawData, ok := envelope["data"]
	if ok && !isNull(rawData) {
		missing = append(missing, missingFields(rawData, reflect.ValueOf(dst), "data")...)
	} else {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Milestone: expected, Fields: missing}
	}

	if err := json.Unmarshal(rawData, dst); err != nil {
		return &DecodeError{Milestone: expected, Err: err}
	}

	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return &DecodeError{
			Milestone: expected,
			Err:       fmt.Errorf("version: %w", err),
		}
	}
	if received := common.Milestone(version); received != expected {
		return &VersionMismatchError{Expected: expected, Received: received}
	}
	return nil
}

// missingFields walks raw alongside the Go type of v and returns the paths of
// every non-omitempty json field that raw does not carry or carries as null.
// Types that decode themselves are leaves. Shape errors are left to the
// decoder.
func missingFields(raw json.RawMessage, v reflect.Value, path string) []string {
	v = concrete(v)
	if !v.IsValid() || decodesItself(v.Type()) {
		return nil
	}
	switch v.Kind() {
	case reflect.Struct:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			return nil
		}
		return missingStructFields(obj, v, path)
	case reflect.Slice, reflect.Array:
		elem := reflect.New(v.Type().Elem()).Elem()
		if !hasFields(elem) {
			return nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var missing []string
		for i, item := range items {
			missing = append(missing,
				missingFields(item, elem, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return missing
	}
	return nil
}

func missingStructFields(obj map[string]json.RawMessage, v reflect.Value, path string) []string {
	var missing []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			if embedded := concrete(v.Field(i)); embedded.IsValid() &&
				embedded.Kind() == reflect.Struct && !decodesItself(embedded.Type()) {
				missing = append(missing, missingStructFields(obj, embedded, path)...)
				continue
			}
		}
		if !f.IsExported() || hasOption(opts, "omitempty") {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fieldPath := path + "." + name
		fieldRaw, ok := obj[name]
		if !ok || isNull(fieldRaw) {
			missing = append(missing, fieldPath)
			continue
		}
		missing = append(missing, missingFields(fieldRaw, v.Field(i), fieldPath)...)
	}
	return missing
}

// concrete dereferences pointers and interfaces, standing in a zero value for
// nil pointers so that their type can still be walked.
func concrete(v reflect.Value) reflect.Value {
	for v.IsValid() {
		switch v.Kind() {
		case reflect.Interface:
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
		case reflect.Pointer:
			if v.IsNil() {
				v = reflect.New(v.Type().Elem()).Elem()
			} else {
				v = v.Elem()
			}
		default:
			return v
		}
	}
	return v
}

func decodesItself(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return t.Implements(jsonUnmarshalerType) || pt.Implements(jsonUnmarshalerType) ||
		t.Implements(textUnmarshalerType) || pt.Implements(textUnmarshalerType)
}

func hasFields(v reflect.Value) bool {
	v = concrete(v)
	return v.IsValid() && v.Kind() == reflect.Struct && !decodesItself(v.Type())
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func hasOption(opts, option string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == option {
			return true
		}
	}
	return false
}
