package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"testing/iotest"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	want := Envelope{
		ProtocolVersion: ProtocolVersion,
		ChannelID:       3,
		Sequence:        42,
		Flags:           FlagAck,
		Body:            []byte("hello world"),
	}

	got, err := Decode(want.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ChannelID != want.ChannelID || got.Sequence != want.Sequence || got.Flags != want.Flags {
		t.Errorf("Decode() header = %+v, want %+v", got, want)
	}
	if string(got.Body) != string(want.Body) {
		t.Errorf("Decode() body = %q, want %q", got.Body, want.Body)
	}
}

func TestDecodeTruncatedIsMalformed(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 0, Sequence: 1, Body: []byte("abc")}.Encode()

	if _, err := Decode(full[:len(full)-1]); err != ErrMalformed {
		t.Errorf("Decode(truncated) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeTrailingBytesIsMalformed(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 0, Sequence: 1, Body: []byte("abc")}.Encode()
	full = append(full, 0xFF)

	if _, err := Decode(full); err != ErrMalformed {
		t.Errorf("Decode(trailing) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion + 1, ChannelID: 0, Sequence: 1, Body: []byte("x")}.Encode()

	if _, err := Decode(full); err != ErrVersionMismatch {
		t.Errorf("Decode(bad version) error = %v, want ErrVersionMismatch", err)
	}
}

func TestReadEnvelopeCoalescedFrames(t *testing.T) {
	first := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 0, Sequence: 1, Body: []byte("one")}
	second := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 1, Sequence: 2, Body: []byte("two")}

	// Both frames arrive in a single contiguous byte run, as a stream transport may deliver them.
	r := bytes.NewReader(append(first.Encode(), second.Encode()...))

	got, err := ReadEnvelope(r)
	if err != nil {
		t.Fatalf("ReadEnvelope(first) error = %v", err)
	}
	if got.Sequence != 1 || string(got.Body) != "one" {
		t.Errorf("first frame = %+v, want seq 1 body \"one\"", got)
	}

	got, err = ReadEnvelope(r)
	if err != nil {
		t.Fatalf("ReadEnvelope(second) error = %v", err)
	}
	if got.Sequence != 2 || string(got.Body) != "two" {
		t.Errorf("second frame = %+v, want seq 2 body \"two\"", got)
	}

	if _, err := ReadEnvelope(r); err != io.EOF {
		t.Errorf("ReadEnvelope(drained) error = %v, want io.EOF", err)
	}
}

func TestReadEnvelopeSplitReads(t *testing.T) {
	want := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 3, Sequence: 9, Body: []byte("split across reads")}

	// One byte per Read forces the header and body to be reassembled across many short reads.
	got, err := ReadEnvelope(iotest.OneByteReader(bytes.NewReader(want.Encode())))
	if err != nil {
		t.Fatalf("ReadEnvelope() error = %v", err)
	}
	if got.ChannelID != want.ChannelID || got.Sequence != want.Sequence || string(got.Body) != string(want.Body) {
		t.Errorf("ReadEnvelope() = %+v, want %+v", got, want)
	}
}

func TestReadEnvelopeTruncatedBodyIsMalformed(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 0, Sequence: 1, Body: []byte("abcdef")}.Encode()

	if _, err := ReadEnvelope(bytes.NewReader(full[:len(full)-2])); err != ErrMalformed {
		t.Errorf("ReadEnvelope(truncated body) error = %v, want ErrMalformed", err)
	}
}

func TestReadEnvelopeVersionMismatch(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion + 1, ChannelID: 0, Sequence: 1, Body: []byte("x")}.Encode()

	if _, err := ReadEnvelope(bytes.NewReader(full)); err != ErrVersionMismatch {
		t.Errorf("ReadEnvelope(bad version) error = %v, want ErrVersionMismatch", err)
	}
}

func TestReadEnvelopeRejectsOversizedBody(t *testing.T) {
	full := Envelope{ProtocolVersion: ProtocolVersion, ChannelID: 0, Sequence: 1, Body: []byte("x")}.Encode()
	binary.BigEndian.PutUint32(full[8:12], maxBodyLen+1)

	if _, err := ReadEnvelope(bytes.NewReader(full)); err != ErrMalformed {
		t.Errorf("ReadEnvelope(oversized) error = %v, want ErrMalformed", err)
	}
}

func TestMoveInputPayloadRoundTrip(t *testing.T) {
	want := MoveInput{ClientTick: 7, DX: 50, DZ: 0}
	frame, err := NewMoveInputFrame(1, 2, want)
	if err != nil {
		t.Fatalf("NewMoveInputFrame() error = %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	kind, rest, err := DecodePayload(env.Body)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if kind != KindMoveInput {
		t.Fatalf("kind = %v, want KindMoveInput", kind)
	}
	var got MoveInput
	if err := json.Unmarshal(rest, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestStateDeltaPayloadRoundTrip(t *testing.T) {
	want := StateDelta{
		Tick: 99,
		Entities: []EntityDelta{
			{Kind: "player", EntityID: "char-1", X: 1, Y: 0, Z: 2, HP: 80, MaxHP: 100, AppliedTick: 7},
			{Kind: "monster", EntityID: "mon-9", X: 3, Y: 0, Z: 4, HP: 10, MaxHP: 50, AIState: 2},
		},
	}
	frame, err := NewStateDeltaFrame(5, 3, want)
	if err != nil {
		t.Fatalf("NewStateDeltaFrame() error = %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	kind, rest, err := DecodePayload(env.Body)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if kind != KindStateDelta {
		t.Fatalf("kind = %v, want KindStateDelta", kind)
	}
	var got StateDelta
	if err := json.Unmarshal(rest, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Tick != want.Tick || len(got.Entities) != len(want.Entities) {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestHandoffAckPayloadRoundTrip(t *testing.T) {
	want := HandoffAck{SessionID: "sess-1", Route: RouteKey{WorldID: 1, EntryID: 2, MapID: 3, InstanceID: 4}}
	frame, err := NewHandoffAckFrame(0, 0, want)
	if err != nil {
		t.Fatalf("NewHandoffAckFrame() error = %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	kind, rest, err := DecodePayload(env.Body)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if kind != KindHandoffAck {
		t.Fatalf("kind = %v, want KindHandoffAck", kind)
	}
	var got HandoffAck
	if err := json.Unmarshal(rest, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestClientHelloPayloadRoundTrip(t *testing.T) {
	want := ClientHello{ProtocolVersion: ProtocolVersion, AuthToken: "tok-123"}
	frame, err := NewClientHelloFrame(0, 0, want)
	if err != nil {
		t.Fatalf("NewClientHelloFrame() error = %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	kind, rest, err := DecodePayload(env.Body)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if kind != KindClientHello {
		t.Fatalf("kind = %v, want KindClientHello", kind)
	}
	var got ClientHello
	if err := json.Unmarshal(rest, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}
