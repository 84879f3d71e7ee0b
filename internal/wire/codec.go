package wire

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a message struct into a Struct through its JSON form.
// A nil message encodes as an empty Struct.
func Encode(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode fills v from s. Unknown fields are ignored so either side can add
// fields without breaking the other.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MustEncode is Encode for values known to be encodable, such as the
// response types of this package.
func MustEncode(v any) *structpb.Struct {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}
