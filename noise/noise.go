// Package noise implements the Noise_XX_25519_ChaChaPoly_BLAKE2s
// handshake and a length-prefixed encrypted transport over any
// ordered, reliable byte-stream pair (e.g. a TCP conn, a net.Pipe, or
// a reliably-framed post-holepunch channel).
package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	flynoise "github.com/flynn/noise"
)

// MaxFrameSize is the largest ciphertext a single frame may carry,
// bounded by the 2-byte length prefix.
const MaxFrameSize = 65535

// Sentinel errors. DecryptFailed and ProtocolError poison the session:
// callers must abandon it rather than retry.
var (
	ErrHandshakeFailed = errors.New("noise: handshake failed")
	ErrDecryptFailed   = errors.New("noise: decryption failed")
	ErrProtocolError   = errors.New("noise: protocol error")
	ErrClosed          = errors.New("noise: session closed")
)

var cipherSuite = flynoise.NewCipherSuite(flynoise.DH25519, flynoise.CipherChaChaPoly, flynoise.HashBLAKE2s)

// Role identifies which side of the handshake a Session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Session is a Noise-XX encrypted channel layered over rw. Concurrent
// Send calls are serialized by an internal lock, as are concurrent Recv
// calls; the order between concurrent senders is not defined. A Send
// and a Recv may run at the same time, since each direction has its
// own cipher state.
type Session struct {
	rw   io.ReadWriter
	role Role

	handshakeOnce sync.Once
	handshakeErr  error

	sendMu sync.Mutex
	send   *flynoise.CipherState

	recvMu sync.Mutex
	recv   *flynoise.CipherState
	closed bool
}

// NewSession wraps rw in a Session that will play role once Handshake
// is called.
func NewSession(rw io.ReadWriter, role Role) *Session {
	return &Session{rw: rw, role: role}
}

// Handshake runs the Noise-XX exchange to completion. It is safe to
// call more than once; only the first call performs the handshake,
// later calls return its result.
func (s *Session) Handshake() error {
	s.handshakeOnce.Do(func() {
		s.handshakeErr = s.doHandshake()
	})
	return s.handshakeErr
}

func (s *Session) doHandshake() error {
	keypair, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generate static keypair: %v", ErrHandshakeFailed, err)
	}

	hs, err := flynoise.NewHandshakeState(flynoise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       flynoise.HandshakeXX,
		Initiator:     s.role == RoleInitiator,
		StaticKeypair: keypair,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var (
		csSend, csRecv *flynoise.CipherState
	)

	if s.role == RoleInitiator {
		// -> e
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return handshakeErr(err)
		}
		if err := writeFrame(s.rw, msg); err != nil {
			return handshakeErr(err)
		}

		// <- e, ee, s, es
		in, err := readFrame(s.rw)
		if err != nil {
			return handshakeErr(err)
		}
		if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
			return handshakeErr(err)
		}

		// -> s, se (final)
		msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return handshakeErr(err)
		}
		if err := writeFrame(s.rw, msg); err != nil {
			return handshakeErr(err)
		}
		csSend, csRecv = cs1, cs2
	} else {
		// -> e
		in, err := readFrame(s.rw)
		if err != nil {
			return handshakeErr(err)
		}
		if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
			return handshakeErr(err)
		}

		// <- e, ee, s, es
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return handshakeErr(err)
		}
		if err := writeFrame(s.rw, msg); err != nil {
			return handshakeErr(err)
		}

		// -> s, se (final)
		in, err = readFrame(s.rw)
		if err != nil {
			return handshakeErr(err)
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, in)
		if err != nil {
			return handshakeErr(err)
		}
		// cs1 carries initiator-to-responder traffic on both sides.
		csSend, csRecv = cs2, cs1
	}

	s.send = csSend
	s.recv = csRecv
	return nil
}

func handshakeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

// Send encrypts plaintext as a single AEAD frame and writes it. Valid
// only after Handshake has completed successfully.
func (s *Session) Send(plaintext []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.send == nil {
		return fmt.Errorf("noise: Send called before a completed handshake")
	}
	if len(plaintext) > MaxFrameSize-16 {
		return fmt.Errorf("%w: plaintext of %d bytes would exceed the maximum frame size", ErrProtocolError, len(plaintext))
	}

	ciphertext := s.send.Encrypt(nil, nil, plaintext)
	return writeFrame(s.rw, ciphertext)
}

// Recv reads and decrypts one frame, returning plaintexts in the exact
// order the peer called Send. Returns io.EOF on an orderly close,
// ErrDecryptFailed on an AEAD tag mismatch (the session is poisoned
// and must not be reused), and ErrProtocolError on malformed framing.
func (s *Session) Recv() ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.recv == nil {
		return nil, fmt.Errorf("noise: Recv called before a completed handshake")
	}

	frame, err := readFrame(s.rw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	plaintext, err := s.recv.Decrypt(nil, nil, frame)
	if err != nil {
		s.closed = true
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame length %d out of range", ErrProtocolError, len(payload))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrProtocolError)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
