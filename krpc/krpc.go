// Package krpc implements the KRPC message envelope used by the DHT:
// bencoded dictionaries carrying a query, a response, or an error,
// demultiplexed by transaction id (BEP 5).
package krpc

import (
	"errors"
	"fmt"

	"github.com/arl/swarmgo/bencode"
)

// Message types, carried under the "y" key.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query methods, carried under the "q" key.
const (
	MethodPing          = "ping"
	MethodFindNode      = "find_node"
	MethodGetPeers      = "get_peers"
	MethodAnnouncePeer  = "announce_peer"
)

// Error codes, per BEP 5.
const (
	ErrGeneric      = 201
	ErrServer       = 202
	ErrProtocol     = 203
	ErrMethodUnknow = 204
)

// ErrMalformed is returned when a decoded bencode value is not a
// well-formed KRPC envelope.
var ErrMalformed = errors.New("krpc: malformed message")

// Message is a KRPC envelope: exactly one of Args (query), Return
// (response) or ErrCode/ErrMsg (error) is populated, matching Type.
type Message struct {
	TxID string // "t"
	Type string // "y": q, r or e

	Query string                 // "q", queries only
	Args  map[string]bencode.Value // "a", queries only

	Return map[string]bencode.Value // "r", responses only

	ErrCode int    // "e"[0], errors only
	ErrMsg  string // "e"[1], errors only
}

// Encode renders m as a bencode-encoded KRPC datagram.
func Encode(m *Message) []byte {
	dict := map[string]bencode.Value{
		"t": bencode.String([]byte(m.TxID)),
		"y": bencode.String([]byte(m.Type)),
	}
	switch m.Type {
	case TypeQuery:
		dict["q"] = bencode.String([]byte(m.Query))
		dict["a"] = bencode.Dict(m.Args)
	case TypeResponse:
		dict["r"] = bencode.Dict(m.Return)
	case TypeError:
		dict["e"] = bencode.List([]bencode.Value{
			bencode.Int(int64(m.ErrCode)),
			bencode.String([]byte(m.ErrMsg)),
		})
	}
	return bencode.Marshal(bencode.Dict(dict))
}

// Decode parses a bencoded KRPC datagram.
func Decode(data []byte) (*Message, error) {
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := v.Dict()
	if !ok {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformed)
	}

	m := &Message{}

	txVal, ok := dict["t"]
	if !ok {
		return nil, fmt.Errorf("%w: missing transaction id", ErrMalformed)
	}
	tx, ok := txVal.Bytes()
	if !ok {
		return nil, fmt.Errorf("%w: transaction id must be a byte string", ErrMalformed)
	}
	m.TxID = string(tx)

	yVal, ok := dict["y"]
	if !ok {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformed)
	}
	y, ok := yVal.Bytes()
	if !ok {
		return nil, fmt.Errorf("%w: message type must be a byte string", ErrMalformed)
	}
	m.Type = string(y)

	switch m.Type {
	case TypeQuery:
		if q, ok := dict["q"]; ok {
			if qb, ok := q.Bytes(); ok {
				m.Query = string(qb)
			}
		}
		if a, ok := dict["a"]; ok {
			if ad, ok := a.Dict(); ok {
				m.Args = ad
			}
		}
	case TypeResponse:
		if r, ok := dict["r"]; ok {
			if rd, ok := r.Dict(); ok {
				m.Return = rd
			}
		}
	case TypeError:
		e, ok := dict["e"]
		if !ok {
			return nil, fmt.Errorf("%w: missing error payload", ErrMalformed)
		}
		list, ok := e.List()
		if !ok || len(list) != 2 {
			return nil, fmt.Errorf("%w: error payload must be a 2-element list", ErrMalformed)
		}
		code, ok := list[0].Int64()
		if !ok {
			return nil, fmt.Errorf("%w: error code must be an integer", ErrMalformed)
		}
		msgBytes, ok := list[1].Bytes()
		if !ok {
			return nil, fmt.Errorf("%w: error message must be a byte string", ErrMalformed)
		}
		m.ErrCode = int(code)
		m.ErrMsg = string(msgBytes)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, m.Type)
	}

	return m, nil
}

// ArgBytes returns the byte string argument named key, or an error if
// it is missing or of the wrong type.
func ArgBytes(args map[string]bencode.Value, key string) ([]byte, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing argument %q", ErrMalformed, key)
	}
	b, ok := v.Bytes()
	if !ok {
		return nil, fmt.Errorf("%w: argument %q must be a byte string", ErrMalformed, key)
	}
	return b, nil
}

// ArgInt returns the integer argument named key.
func ArgInt(args map[string]bencode.Value, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrMalformed, key)
	}
	n, ok := v.Int64()
	if !ok {
		return 0, fmt.Errorf("%w: argument %q must be an integer", ErrMalformed, key)
	}
	return n, nil
}

// NewQuery builds a query message.
func NewQuery(txID, method string, args map[string]bencode.Value) *Message {
	return &Message{TxID: txID, Type: TypeQuery, Query: method, Args: args}
}

// NewResponse builds a response message.
func NewResponse(txID string, ret map[string]bencode.Value) *Message {
	return &Message{TxID: txID, Type: TypeResponse, Return: ret}
}

// NewError builds an error message.
func NewError(txID string, code int, msg string) *Message {
	return &Message{TxID: txID, Type: TypeError, ErrCode: code, ErrMsg: msg}
}
