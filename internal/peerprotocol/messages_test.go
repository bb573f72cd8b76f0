package peerprotocol

import "testing"

func TestHaveRoundTrip(t *testing.T) {
	m := HaveMessage{Index: 1234}
	got, err := DecodeHave(m.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestRequestCancelRoundTrip(t *testing.T) {
	r := RequestMessage{Index: 1, Begin: 16384, Length: 16384}
	got, err := DecodeRequest(r.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
	c := CancelMessage(r)
	gotC, err := DecodeCancel(c.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if gotC != c {
		t.Fatalf("got %+v, want %+v", gotC, c)
	}
}

func TestDecodeRequestInvalidLength(t *testing.T) {
	if _, err := DecodeRequest([]byte{1, 2, 3}); err != ErrInvalidPayloadLength {
		t.Fatalf("err = %v, want ErrInvalidPayloadLength", err)
	}
}

func TestPieceHeaderRoundTrip(t *testing.T) {
	m := PieceMessage{Index: 7, Begin: 32768}
	got, err := DecodePieceHeader(m.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPortRoundTrip(t *testing.T) {
	m := PortMessage{Port: 6881}
	got, err := DecodePort(m.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	m := ExtensionMessage{ExtendedMessageID: 3, Payload_: []byte("d1:ae")}
	id, body, err := DecodeExtension(m.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 || string(body) != "d1:ae" {
		t.Fatalf("got id=%d body=%q", id, body)
	}
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	h := NewExtensionHandshake(6881, "rain/1.0")
	b, err := h.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeExtensionHandshake(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.P != 6881 || got.V != "rain/1.0" || got.M[ExtensionKeyPEX] != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestPEXRoundTrip(t *testing.T) {
	m := &PEXMessage{
		Added:      []byte{127, 0, 0, 1, 0x1a, 0xe1},
		AddedFlags: []byte{0x02},
		Dropped:    nil,
	}
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePEX(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Added) != string(m.Added) || string(got.AddedFlags) != string(m.AddedFlags) {
		t.Fatalf("got %+v", got)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	h.Reserved.SetLTEP()
	b := h.Encode()
	if len(b) != HandshakeLength {
		t.Fatalf("len = %d, want %d", len(b), HandshakeLength)
	}
	got, err := DecodeHandshake(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.InfoHash != h.InfoHash || got.PeerID != h.PeerID || !got.Reserved.HasLTEP() {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeHandshakeInvalidProtocol(t *testing.T) {
	b := make([]byte, HandshakeLength)
	b[0] = byte(len(Pstr))
	copy(b[1:20], "not the right string")
	if _, err := DecodeHandshake(b); err != ErrInvalidProtocol {
		t.Fatalf("err = %v, want ErrInvalidProtocol", err)
	}
}
