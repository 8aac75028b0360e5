package golem

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ValueList is the self-describing representation of invocation arguments and
// results crossing the engine boundary.
type ValueList []*structpb.Value

// EncodeValues serializes a value list for oplog payloads and wire transfer.
// The output is compacted so equal values encode byte-identically, which
// strict replay depends on.
func EncodeValues(vals ValueList) ([]byte, error) {
	list := &structpb.ListValue{Values: vals}
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValues is the inverse of EncodeValues. A nil input decodes to an
// empty list.
func DecodeValues(data []byte) (ValueList, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var list structpb.ListValue
	if err := protojson.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return list.Values, nil
}

// MustValues converts plain Go values (strings, numbers, bools, maps, slices)
// into a ValueList. Panics on unsupported types; intended for tests and CLIs.
func MustValues(vals ...any) ValueList {
	out := make(ValueList, len(vals))
	for i, v := range vals {
		pv, err := structpb.NewValue(v)
		if err != nil {
			panic(fmt.Sprintf("unsupported value %T: %v", v, err))
		}
		out[i] = pv
	}
	return out
}
