package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// decodeArgs unmarshals a model's tool arguments into dst, a pointer to a
// struct. Empty arguments decode as {}. Keys that match none of dst's json
// fields come back as a note to prepend to the tool output, so the model
// learns the parameter had no effect.
func decodeArgs(args json.RawMessage, dst any) (string, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(args, &keys); err != nil {
		return "", nil
	}
	known := argNames(reflect.TypeOf(dst))
	var unknown []string
	for k := range keys {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)

	var sb strings.Builder
	for _, k := range unknown {
		fmt.Fprintf(&sb, "Unknown parameter '%s' was ignored\n", k)
	}
	return sb.String(), nil
}

// argNames lists the json names of a struct's exported fields.
func argNames(t reflect.Type) map[string]bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	names := make(map[string]bool)
	if t.Kind() != reflect.Struct {
		return names
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		names[name] = true
	}
	return names
}
