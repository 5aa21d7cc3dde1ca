package krpc

import (
	"strings"
	"testing"

	"github.com/arl/swarmgo/bencode"
)

func nodeID(b byte) []byte {
	id := make([]byte, 20)
	for i := range id {
		id[i] = b
	}
	return id
}

func TestEncodePingQuery(t *testing.T) {
	msg := NewQuery("aa", MethodPing, map[string]bencode.Value{
		"id": bencode.String(nodeID(1)),
	})
	encoded := Encode(msg)
	if encoded[0] != 'd' || encoded[len(encoded)-1] != 'e' {
		t.Fatalf("expected a bencoded dictionary, got %s", encoded)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.TxID != "aa" {
		t.Errorf("TxID = %q, want aa", decoded.TxID)
	}
	if decoded.Type != TypeQuery {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeQuery)
	}
	if decoded.Query != MethodPing {
		t.Errorf("Query = %q, want %q", decoded.Query, MethodPing)
	}
	id, err := ArgBytes(decoded.Args, "id")
	if err != nil {
		t.Fatalf("ArgBytes failed: %v", err)
	}
	if string(id) != string(nodeID(1)) {
		t.Error("node id mismatch")
	}
}

func TestEncodeFindNodeResponse(t *testing.T) {
	msg := NewResponse("bb", map[string]bencode.Value{
		"id":    bencode.String(nodeID(2)),
		"nodes": bencode.String([]byte("somecompactbytes")),
	})
	decoded, err := Decode(Encode(msg))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Type != TypeResponse {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeResponse)
	}
	nodes, err := ArgBytes(decoded.Return, "nodes")
	if err != nil {
		t.Fatalf("ArgBytes failed: %v", err)
	}
	if string(nodes) != "somecompactbytes" {
		t.Error("nodes mismatch")
	}
}

func TestEncodeError(t *testing.T) {
	msg := NewError("cc", ErrProtocol, "invalid target")
	decoded, err := Decode(Encode(msg))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeError)
	}
	if decoded.ErrCode != ErrProtocol {
		t.Errorf("ErrCode = %d, want %d", decoded.ErrCode, ErrProtocol)
	}
	if decoded.ErrMsg != "invalid target" {
		t.Errorf("ErrMsg = %q", decoded.ErrMsg)
	}
}

func TestDecodeRejectsMissingTransactionID(t *testing.T) {
	_, err := Decode(bencode.Marshal(bencode.Dict(map[string]bencode.Value{
		"y": bencode.String([]byte("q")),
	})))
	if err == nil || !strings.Contains(err.Error(), "transaction id") {
		t.Errorf("expected missing transaction id error, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(bencode.Marshal(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String([]byte("aa")),
		"y": bencode.String([]byte("z")),
	})))
	if err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestGetPeersResponseWithValues(t *testing.T) {
	peers := []bencode.Value{
		bencode.String([]byte{192, 168, 1, 1, 0x1A, 0xE1}),
		bencode.String([]byte{10, 0, 0, 1, 0x1A, 0xE2}),
	}
	msg := NewResponse("dd", map[string]bencode.Value{
		"id":     bencode.String(nodeID(3)),
		"token":  bencode.String([]byte("tok")),
		"values": bencode.List(peers),
	})
	decoded, err := Decode(Encode(msg))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	values, ok := decoded.Return["values"].List()
	if !ok || len(values) != 2 {
		t.Fatalf("expected 2 peer values, got %+v", decoded.Return["values"])
	}
}
