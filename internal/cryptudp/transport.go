// Package cryptudp implements the authenticated UDP transport used for all
// control-plane traffic: a length-delimited, nonce-extended, timestamped
// AEAD envelope carrying opaque control-packet payloads.
package cryptudp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of the shared symmetric key.
const KeySize = 32

// maxFrameSize is the largest UDP datagram this transport will read.
const maxFrameSize = 1500

// clockSkewTolerance is how far a frame's timestamp may drift from the
// receiver's clock, in either direction, before it is rejected as a replay
// or as hopelessly skewed.
const clockSkewTolerance = 10 * time.Second

// The wire format's trailer is plain CRC-64/ECMA-182: MSB-first, zero init
// and xorout. hash/crc64's ECMA table implements the reflected CRC-64/XZ
// parameterization of the same polynomial, which produces different values,
// so the table is built here.
var crcTable = makeCRCTable()

func makeCRCTable() *[256]uint64 {
	const poly = 0x42F0E1EBA9EA3693
	var t [256]uint64
	for i := range t {
		crc := uint64(i) << 56
		for j := 0; j < 8; j++ {
			if crc&(1<<63) != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

func crcChecksum(data []byte) uint64 {
	var crc uint64
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>56)^b]
	}
	return crc
}

// Transport is an authenticated UDP endpoint. It is safe for concurrent use:
// Send may be called from the coordinator while Recv runs in a dedicated
// receive pump, which is exactly how the run loop uses it.
type Transport struct {
	conn *net.UDPConn
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
}

// Bind opens a UDP socket at addr. The transport has no key until Key is
// called; Send and Recv fail until then.
func Bind(addr netip.AddrPort) (*Transport, error) {
	conn, err := net.ListenUDP(udpNetwork(addr), net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("binding udp %s: %w", addr, err)
	}
	return &Transport{conn: conn}, nil
}

func udpNetwork(addr netip.AddrPort) string {
	if addr.Addr().Is4() {
		return "udp4"
	}
	return "udp6"
}

// Key attaches the shared symmetric key used to authenticate every frame
// sent or received on this transport. It fails if key is not KeySize bytes.
func (t *Transport) Key(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("cryptudp: invalid key length: got %d, want %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("cryptudp: constructing AEAD: %w", err)
	}
	t.aead = aead
	return nil
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// LocalAddr returns the address the transport is bound to.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send encrypts payload and sends it to addr. The plaintext envelope is:
//
//	[ payload ][ pad to 8k+2 ][ 2-byte length ][ 8-byte timestamp ][ 8-byte CRC-64/ECMA-182 ]
//
// encrypted with XChaCha20-Poly1305 under a fresh random 24-byte nonce,
// which is appended (not prepended) to the ciphertext.
func (t *Transport) Send(payload []byte, addr netip.AddrPort) error {
	if t.aead == nil {
		return fmt.Errorf("cryptudp: no encryption key set")
	}

	p := len(payload)
	padded := ((p + 2 + 7) / 8) * 8
	plaintext := make([]byte, padded+16)
	copy(plaintext, payload)
	binary.LittleEndian.PutUint16(plaintext[padded-2:padded], uint16(p))
	binary.LittleEndian.PutUint64(plaintext[padded:padded+8], uint64(time.Now().Unix()))

	digest := crcChecksum(plaintext[:padded+8])
	binary.LittleEndian.PutUint64(plaintext[padded+8:padded+16], digest)

	nonce := make([]byte, t.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("cryptudp: generating nonce: %w", err)
	}

	frame := t.aead.Seal(nil, nonce, plaintext, nil)
	frame = append(frame, nonce...)

	if _, err := t.conn.WriteToUDPAddrPort(frame, addr); err != nil {
		return fmt.Errorf("cryptudp: sending to %s: %w", addr, err)
	}
	return nil
}

// Recv reads and authenticates the next frame, returning the decrypted
// payload and the sender's address. Any malformed or inauthentic frame
// yields an error; callers should log and continue, never treat a decode
// failure as fatal to the listener.
func (t *Transport) Recv() ([]byte, netip.AddrPort, error) {
	if t.aead == nil {
		return nil, netip.AddrPort{}, fmt.Errorf("cryptudp: no encryption key set")
	}

	buf := make([]byte, maxFrameSize)
	n, src, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("cryptudp: reading: %w", err)
	}
	frame := buf[:n]

	nonceSize := t.aead.NonceSize()
	if len(frame) <= nonceSize {
		return nil, src, fmt.Errorf("cryptudp: frame too short: %d bytes", len(frame))
	}

	ciphertext := frame[:len(frame)-nonceSize]
	nonce := frame[len(frame)-nonceSize:]

	plaintext, err := t.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, src, fmt.Errorf("cryptudp: decrypting frame from %s: %w", src, err)
	}

	if len(plaintext)%8 != 0 {
		return nil, src, fmt.Errorf("cryptudp: decrypted frame is not octet-aligned: %d bytes", len(plaintext))
	}
	if len(plaintext) < 24 {
		return nil, src, fmt.Errorf("cryptudp: decrypted frame too short: %d bytes", len(plaintext))
	}

	padded := len(plaintext) - 16

	wantCRC := crcChecksum(plaintext[:padded+8])
	gotCRC := binary.LittleEndian.Uint64(plaintext[padded+8 : padded+16])
	if gotCRC != wantCRC {
		return nil, src, fmt.Errorf("cryptudp: CRC mismatch from %s", src)
	}

	ts := int64(binary.LittleEndian.Uint64(plaintext[padded : padded+8]))
	now := time.Now().Unix()
	skew := now - ts
	if skew > int64(clockSkewTolerance.Seconds()) || skew < -int64(clockSkewTolerance.Seconds()) {
		return nil, src, fmt.Errorf("cryptudp: timestamp %d outside %s window of local clock %d", ts, clockSkewTolerance, now)
	}

	p := binary.LittleEndian.Uint16(plaintext[padded-2 : padded])
	if int(p) > padded-2 {
		return nil, src, fmt.Errorf("cryptudp: declared payload length %d exceeds frame capacity", p)
	}

	payload := make([]byte, p)
	copy(payload, plaintext[:p])
	return payload, src, nil
}
