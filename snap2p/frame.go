// Package snap2p implements the session protocol: mutual attestation over a
// transport stream whose endpoints are anonymous node keys, followed by
// length-prefixed application frames.
package snap2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameType names the application frames a session carries after the
// handshake completes.
type FrameType string

const (
	FrameChat       FrameType = "chat"
	FramePXPush     FrameType = "px_push"
	FramePXRequest  FrameType = "px_request"
	FramePXResponse FrameType = "px_response"

	// frameAttestation is internal to the handshake and never surfaced as
	// an application frame.
	frameAttestation FrameType = "attestation"
)

// Size limits from spec §4.C: control frames are capped smaller than chat
// frames, which carry user content.
const (
	MaxControlFrameSize = 64 * 1024
	MaxChatFrameSize    = 256 * 1024
)

// ErrFrameTooLarge is returned when a frame exceeds its type's size limit.
type ErrFrameTooLarge struct {
	Type  FrameType
	Size  int
	Limit int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("snap2p: %s frame of %d bytes exceeds limit %d", e.Type, e.Size, e.Limit)
}

// envelope is the wire representation of one frame: a type tag and its
// opaque JSON payload.
type envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func limitFor(t FrameType) int {
	if t == FrameChat {
		return MaxChatFrameSize
	}
	return MaxControlFrameSize
}

// writeFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the JSON envelope.
func writeFrame(w io.Writer, t FrameType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Type: t, Payload: body})
	if err != nil {
		return err
	}

	limit := limitFor(t)
	if len(env) > limit {
		return &ErrFrameTooLarge{Type: t, Size: len(env), Limit: limit}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(env)
	return err
}

// readFrame reads one length-prefixed frame and returns its type and raw
// payload. The caller unmarshals the payload into the type-specific struct.
func readFrame(r io.Reader) (FrameType, json.RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxChatFrameSize {
		return "", nil, &ErrFrameTooLarge{Size: int(size), Limit: MaxChatFrameSize}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("snap2p: malformed frame: %w", err)
	}

	if limit := limitFor(env.Type); len(body) > limit {
		return "", nil, &ErrFrameTooLarge{Type: env.Type, Size: len(body), Limit: limit}
	}
	return env.Type, env.Payload, nil
}

// ChatFrame is the payload of a "chat" frame.
type ChatFrame struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	SenderNick string `json:"senderNick,omitempty"`
}

// PeerAddressRecord is one entry of a px_push frame's record list. It
// mirrors the subset of a peer-book record that is safe to gossip.
type PeerAddressRecord struct {
	Principal       string   `json:"principal"`
	NodePublicKey   string   `json:"nodePublicKey"`
	Multiaddrs      []string `json:"multiaddrs"`
	SourcePrincipal string   `json:"sourcePrincipal"`
}

// PXPushFrame is the payload of a "px_push" frame.
type PXPushFrame struct {
	Records []PeerAddressRecord `json:"records"`
}

// PXRequestFrame is the payload of a "px_request" frame.
type PXRequestFrame struct {
	Principal string `json:"principal"`
}

// PXResponseFrame is the payload of a "px_response" frame.
type PXResponseFrame struct {
	Record *PeerAddressRecord `json:"record,omitempty"`
}

type attestationFrame struct {
	Version       int    `json:"version"`
	Domain        string `json:"domain"`
	Principal     string `json:"principal"`
	NodePublicKey string `json:"nodePublicKey"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`

	// TargetNodeKey is set by an initiator that already knows which of the
	// gateway's several local identities it means to reach, since one
	// transport may serve many identities on the same listen address
	// (spec §2: "nothing is shared across identities except the single
	// underlying transport"). It is not part of the signed attestation —
	// it is a routing hint only, authenticated implicitly by the fact that
	// the resolved identity still has to answer with its own valid
	// attestation for the handshake to succeed.
	TargetNodeKey string `json:"targetNodeKey,omitempty"`
}
