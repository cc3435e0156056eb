package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// decode converts a Struct request into dst through its JSON form.
func decode(in *structpb.Struct, dst any) error {
	payload := map[string]any{}
	if in != nil {
		payload = in.AsMap()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return invalidArgument(fmt.Sprintf("encode request: %v", err))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return invalidArgument(fmt.Sprintf("decode request: %v", err))
	}
	return nil
}

// encode converts a response value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return structpb.NewStruct(payload)
}

// Encode converts v into a Struct request document.
func Encode(v any) (*structpb.Struct, error) {
	return encode(v)
}

// Decode converts a Struct response document into dst.
func Decode(in *structpb.Struct, dst any) error {
	return decode(in, dst)
}
