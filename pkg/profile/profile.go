// Package profile hashes and diffs the hardware/OS snapshot agents report
// alongside their heartbeat.
package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
)

// FieldInitial is the single changed-field entry of an agent's first profile.
const (
	FieldInitial        = "initial"
	FieldDisks          = "disks"
	FieldVirtualization = "virtualization"
)

// ScalarFields are compared one by one; each difference is reported under its own name.
var ScalarFields = []string{
	"os_full_name",
	"os_version",
	"build_number",
	"architecture",
	"manufacturer",
	"model",
	"cpu_model",
	"cpu_cores_physical",
	"cpu_cores_logical",
	"total_memory_gb",
}

var ErrNotObject = errors.New("system profile must be a JSON object")

// Document is a decoded profile. Numbers are kept as json.Number in a
// canonical spelling, so 16, 16.0 and 1.6e1 hash and compare alike.
type Document map[string]any

// Change is one entry of a profile diff.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Parse decodes raw into a Document. A JSON null yields a nil Document.
func Parse(raw []byte) (Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Document(canonicalNumbers(m).(map[string]any)), nil
}

func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = canonicalNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = canonicalNumbers(e)
		}
		return t
	case json.Number:
		return canonicalNumber(t)
	default:
		return v
	}
}

// canonicalNumber spells integral values without a fraction or exponent
// and everything else in the shortest form that round-trips.
func canonicalNumber(n json.Number) json.Number {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsInf(f, 0) {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// Canonical encodes doc with sorted keys and no insignificant whitespace.
func Canonical(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash is the hex SHA-256 of the canonical encoding. Key order in the
// submitted JSON does not affect it.
func Hash(doc Document) (string, error) {
	b, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Diff lists the fields that changed between old and next, plus old/new
// values for each. A nil old reports only FieldInitial.
func Diff(old, next Document) ([]string, []Change) {
	if len(old) == 0 {
		return []string{FieldInitial}, []Change{}
	}

	fields := []string{}
	changes := []Change{}
	add := func(field string, o, n any) {
		fields = append(fields, field)
		changes = append(changes, Change{Field: field, Old: o, New: n})
	}

	for _, k := range ScalarFields {
		if !reflect.DeepEqual(old[k], next[k]) {
			add(k, old[k], next[k])
		}
	}
	if !reflect.DeepEqual(diskMap(old), diskMap(next)) || !reflect.DeepEqual(old["disk_count"], next["disk_count"]) {
		add(FieldDisks, old[FieldDisks], next[FieldDisks])
	}
	if !reflect.DeepEqual(old[FieldVirtualization], next[FieldVirtualization]) {
		add(FieldVirtualization, old[FieldVirtualization], next[FieldVirtualization])
	}
	return fields, changes
}

type diskKey struct {
	SizeGB  any
	Model   any
	BusType any
}

// diskMap keys disks by their integer "index"; entries without one are ignored.
func diskMap(doc Document) map[int64]diskKey {
	out := map[int64]diskKey{}
	items, _ := doc[FieldDisks].([]any)
	for _, item := range items {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idx, ok := intValue(d["index"])
		if !ok {
			continue
		}
		out[idx] = diskKey{SizeGB: d["size_gb"], Model: d["model"], BusType: d["bus_type"]}
	}
	return out
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
