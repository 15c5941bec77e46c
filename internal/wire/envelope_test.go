package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIDUnmarshalStringAndNumber(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want ID
	}{
		{"string", `{"id":"42"}`, "42"},
		{"number", `{"id":42}`, "42"},
		{"float_kept_verbatim", `{"id":4.5}`, "4.5"},
		{"null", `{"id":null}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out struct {
				ID ID `json:"id"`
			}
			if err := json.Unmarshal([]byte(tc.in), &out); err != nil {
				t.Fatalf("unmarshal %s: %v", tc.in, err)
			}
			if out.ID != tc.want {
				t.Errorf("got %q, want %q", out.ID, tc.want)
			}
		})
	}
}

func TestIDUnmarshalRejectsNonScalar(t *testing.T) {
	var out struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":{"nested":1}}`), &out); err == nil {
		t.Fatal("expected error for object-valued id")
	}
}

func TestIDInt(t *testing.T) {
	if got := ID("17").Int(); got != 17 {
		t.Errorf("Int() = %d, want 17", got)
	}
	if got := ID("abc").Int(); got != 0 {
		t.Errorf("Int() on non-numeric = %d, want 0", got)
	}
}

func TestUnmarshalRequiresType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"content":"hi"}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestBodyPrefersContent(t *testing.T) {
	e := &Envelope{Content: "channel text", Message: "dm text"}
	if got := e.Body(); got != "channel text" {
		t.Errorf("Body() = %q, want content field", got)
	}
	e = &Envelope{Message: "dm text"}
	if got := e.Body(); got != "dm text" {
		t.Errorf("Body() = %q, want legacy message field", got)
	}
}

func TestNewEnvelopeStampsIdentity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := Identity{UserID: "u1", Username: "ada", PfpPath: "/p/ada.png"}
	e := NewEnvelope(TypeJoinChannel, id, now)

	if e.Type != TypeJoinChannel {
		t.Errorf("type = %q", e.Type)
	}
	if e.UserID != "u1" || e.Username != "ada" {
		t.Errorf("identity not stamped: %+v", e)
	}
	if e.Timestamp != "2024-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
}

func TestDecodeTagsKnownTypes(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"receive_message","sender_id":7,"message":"hey"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != KindReceiveMessage {
		t.Errorf("kind = %v, want KindReceiveMessage", frame.Kind)
	}
	if frame.Envelope.SenderID != "7" {
		t.Errorf("sender_id = %q, want normalized string", frame.Envelope.SenderID)
	}
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"server_announcement","content":"maint"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != KindUnknown {
		t.Errorf("kind = %v, want KindUnknown", frame.Kind)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := &Envelope{
		Type:            TypeSendMessage,
		SenderID:        "u1",
		ReceiverID:      "u2",
		Message:         "hello",
		ClientMessageID: "u1-1700000000000-abcd1234",
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ClientMessageID != in.ClientMessageID || out.Message != in.Message {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
