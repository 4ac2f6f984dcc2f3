package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type treatment struct {
	ID        string    `json:"id"`
	AnimalID  string    `json:"animal_id"`
	Drug      string    `json:"drug"`
	DoseML    float64   `json:"dose_ml"`
	GivenAt   time.Time `json:"given_at"`
	Withdrawn bool      `json:"withdrawn,omitempty"`
}

func TestForSelectsCodecs(t *testing.T) {
	in := treatment{
		ID:       "102",
		AnimalID: "cow-7",
		Drug:     "oxytetracycline",
		DoseML:   12.5,
		GivenAt:  time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC),
	}
	for _, name := range []string{"", NameJSON, NameCBOR, NameMsgpack, NameProtobuf} {
		c, err := For[treatment](name)
		if err != nil {
			t.Fatalf("For(%q): %v", name, err)
		}
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%q encode: %v", name, err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%q decode: %v", name, err)
		}
		if out.ID != in.ID || out.Drug != in.Drug || out.DoseML != in.DoseML || !out.GivenAt.Equal(in.GivenAt) {
			t.Fatalf("%q: got %+v want %+v", name, out, in)
		}
	}
}

func TestForUnknown(t *testing.T) {
	if _, err := For[treatment]("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestLimitBothDirections(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxEncode: 4, MaxDecode: 3}

	if _, err := c.Encode("abcd"); err != nil {
		t.Fatalf("encode at limit: %v", err)
	}
	_, err := c.Encode("abcde")
	var tl *ErrTooLarge
	if !errors.As(err, &tl) || tl.Op != "encode" || tl.Size != 5 {
		t.Fatalf("expected encode ErrTooLarge, got %v", err)
	}

	if _, err := c.Decode([]byte("abcd")); !errors.As(err, &tl) || tl.Op != "decode" {
		t.Fatalf("expected decode ErrTooLarge, got %v", err)
	}
	if v, err := c.Decode([]byte("abc")); err != nil || v != "abc" {
		t.Fatalf("decode within limit: v=%q err=%v", v, err)
	}

	unlimited := Limit[string]{Inner: String{}}
	if _, err := unlimited.Encode(string(make([]byte, 1<<16))); err != nil {
		t.Fatalf("limit 0 must disable: %v", err)
	}
}

func TestProtobufStruct(t *testing.T) {
	c := NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
	in, err := structpb.NewStruct(map[string]any{"tag": "IE123", "weight_kg": 412.0})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Fields["tag"].GetStringValue() != "IE123" || out.Fields["weight_kg"].GetNumberValue() != 412 {
		t.Fatalf("unexpected struct %v", out)
	}
}

func TestProtoValueKeepsNestedJSON(t *testing.T) {
	type herd struct {
		Name    string      `json:"name"`
		Animals []treatment `json:"animals"`
		Tags    []string    `json:"tags"`
	}
	c := NewProtoValue[[]herd]()
	in := []herd{{Name: "north", Animals: []treatment{{ID: "1", DoseML: 3}}, Tags: []string{"dairy"}}, {Name: "south"}}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Animals[0].DoseML != 3 || out[0].Tags[0] != "dairy" || out[1].Name != "south" {
		t.Fatalf("unexpected %+v", out)
	}
	if _, err := c.Decode([]byte{0xff, 0xff}); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestProtoValueKeepsLargeIntegers(t *testing.T) {
	type mutation struct {
		Payload json.RawMessage `json:"payload"`
	}
	c := NewProtoValue[[]mutation]()
	in := []mutation{{Payload: json.RawMessage(`{"id":9007199254740993}`)}}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || string(out[0].Payload) != `{"id":9007199254740993}` {
		t.Fatalf("payload altered: %+v", out)
	}

	// structured values written by older builds still decode
	tree, err := structpb.NewValue([]any{map[string]any{"payload": map[string]any{"id": 7.0}}})
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	old, _ := proto.Marshal(tree)
	out, err = c.Decode(old)
	if err != nil || len(out) != 1 || string(out[0].Payload) != `{"id":7}` {
		t.Fatalf("structured value: %+v err=%v", out, err)
	}
}
