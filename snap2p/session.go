package snap2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/internal/metrics"
	"github.com/alexrudloff/clawchat/transport"
)

// Phase is a session's position in the handshake/authenticated/closed state
// machine described in spec §4.C.
type Phase string

const (
	PhaseHandshakingSend Phase = "handshaking_send"
	PhaseHandshakingRecv Phase = "handshaking_recv"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseClosed          Phase = "closed"
)

// Events receives the callbacks a session fires as it progresses. Handlers
// must not block the session's read loop for more than a few milliseconds;
// slow work should be handed off.
type Events interface {
	// OnAuthenticated fires once, when the session reaches PhaseAuthenticated.
	OnAuthenticated(s *Session)
	// OnClosed fires once, when the session transitions to PhaseClosed.
	OnClosed(s *Session, err error)
	// OnChat fires for each chat frame received on an authenticated session.
	OnChat(s *Session, frame ChatFrame)
	// OnPXPush fires for each px_push frame received.
	OnPXPush(s *Session, frame PXPushFrame)
	// OnPXRequest fires for each px_request frame received; the handler is
	// responsible for calling s.SendPXResponse with the answer.
	OnPXRequest(s *Session, frame PXRequestFrame)
	// OnPXResponse fires for each px_response frame received.
	OnPXResponse(s *Session, frame PXResponseFrame)
}

// Session is a live pairing of a local identity and a remote principal over
// one transport stream.
type Session struct {
	mu sync.Mutex

	stream transport.Stream

	LocalIdentity    *identity.Identity
	RemotePrincipal  string
	RemoteNodePubKey []byte
	Phase            Phase
	CreatedAt        time.Time
	LastUsedAt       time.Time

	sendSeq uint64
	recvSeq uint64

	events Events
	log    logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Initiate drives the client side of the handshake: send our attestation
// first, then wait for the peer's. If remoteNodeKeyHint is non-nil (the
// caller already knows which node key it dialed, from its peer book), it is
// also sent as the attestation's target node key, letting a shared listener
// demultiplex to the right local identity, and the peer's attestation must
// carry exactly that node key or the handshake fails.
func Initiate(ctx context.Context, stream transport.Stream, local *identity.Identity, remoteNodeKeyHint []byte, ev Events) (*Session, error) {
	return handshake(ctx, stream, local, ev, true, remoteNodeKeyHint)
}

// Accept drives the server side of the handshake: wait for the peer's
// attestation, then send ours. Use this when the listener serves exactly
// one local identity; a listener shared across several identities must use
// AcceptMultiplexed instead.
func Accept(ctx context.Context, stream transport.Stream, local *identity.Identity, ev Events) (*Session, error) {
	return handshake(ctx, stream, local, ev, false, nil)
}

// AcceptMultiplexed drives the server side of the handshake on a stream
// accepted from a listener shared by several local identities (spec §2:
// "nothing is shared across identities except the single underlying
// transport"). It reads and verifies the initiator's attestation first,
// then asks resolveLocal which local identity the initiator declared as
// its target (the hex-encoded node public key an Initiate call was given as
// remoteNodeKeyHint) before responding with that identity's own
// attestation. resolveLocal's second return value is false if no loaded
// identity matches, in which case the stream is closed without a reply.
func AcceptMultiplexed(ctx context.Context, stream transport.Stream, resolveLocal func(targetNodeKeyHex string) (*identity.Identity, bool), ev Events) (*Session, error) {
	s := &Session{
		stream:     stream,
		Phase:      PhaseHandshakingRecv,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
		events:     ev,
		log:        logger.GetDefaultLogger(),
	}

	metrics.HandshakesInitiated.WithLabelValues("responder").Inc()
	start := time.Now()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = start.Add(transport.DialTimeout)
	}
	if err := stream.SetDeadline(deadline); err != nil {
		s.log.Warn("snap2p: failed to set handshake deadline", logger.Error(err))
	}

	fail := func(err error) (*Session, error) {
		metrics.HandshakeDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())
		metrics.HandshakesCompleted.WithLabelValues("rejected").Inc()
		metrics.HandshakesFailed.WithLabelValues(classifyHandshakeError(err)).Inc()
		s.Phase = PhaseClosed
		stream.Close()
		return nil, err
	}

	remotePrincipal, remoteNodePub, targetHex, err := readAndVerifyAttestation(stream)
	if err != nil {
		return fail(err)
	}
	s.RemotePrincipal = remotePrincipal
	s.RemoteNodePubKey = remoteNodePub

	local, ok := resolveLocal(targetHex)
	if !ok {
		return fail(fmt.Errorf("snap2p: no local identity for target node key %q", targetHex))
	}

	if err := s.sendAttestation(local, nil); err != nil {
		return fail(err)
	}

	metrics.HandshakeDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())

	if err := stream.SetDeadline(time.Time{}); err != nil {
		s.log.Warn("snap2p: failed to clear handshake deadline", logger.Error(err))
	}

	s.LocalIdentity = local
	s.Phase = PhaseAuthenticated
	metrics.HandshakesCompleted.WithLabelValues("authenticated").Inc()
	metrics.SessionsCreated.WithLabelValues("authenticated").Inc()
	metrics.SessionsActive.Inc()

	if ev != nil {
		ev.OnAuthenticated(s)
	}

	go s.readLoop()
	return s, nil
}

func handshake(ctx context.Context, stream transport.Stream, local *identity.Identity, ev Events, initiator bool, remoteNodeKeyHint []byte) (*Session, error) {
	s := &Session{
		stream:     stream,
		Phase:      PhaseHandshakingSend,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
		events:     ev,
		log:        logger.GetDefaultLogger(),
	}

	role := "responder"
	if initiator {
		role = "initiator"
	}
	metrics.HandshakesInitiated.WithLabelValues(role).Inc()
	start := time.Now()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = start.Add(transport.DialTimeout)
	}
	if err := stream.SetDeadline(deadline); err != nil {
		s.log.Warn("snap2p: failed to set handshake deadline", logger.Error(err))
	}

	var err error
	if initiator {
		err = s.sendAttestation(local, remoteNodeKeyHint)
		if err == nil {
			err = s.recvAttestation()
		}
		if err == nil && remoteNodeKeyHint != nil && !bytes.Equal(remoteNodeKeyHint, s.RemoteNodePubKey) {
			err = fmt.Errorf("snap2p: remote node key does not match the address we dialed")
		}
	} else {
		err = s.recvAttestation()
		if err == nil {
			err = s.sendAttestation(local, nil)
		}
	}

	metrics.HandshakeDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.HandshakesCompleted.WithLabelValues("rejected").Inc()
		metrics.HandshakesFailed.WithLabelValues(classifyHandshakeError(err)).Inc()
		s.Phase = PhaseClosed
		stream.Close()
		return nil, err
	}

	if err := stream.SetDeadline(time.Time{}); err != nil {
		s.log.Warn("snap2p: failed to clear handshake deadline", logger.Error(err))
	}

	s.LocalIdentity = local
	s.Phase = PhaseAuthenticated
	metrics.HandshakesCompleted.WithLabelValues("authenticated").Inc()
	metrics.SessionsCreated.WithLabelValues("authenticated").Inc()
	metrics.SessionsActive.Inc()

	if ev != nil {
		ev.OnAuthenticated(s)
	}

	go s.readLoop()
	return s, nil
}

func classifyHandshakeError(err error) string {
	switch err.(type) {
	case *ErrFrameTooLarge:
		return "malformed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport"
}

// sendAttestation sends local's attestation. targetNodeKey, when non-nil,
// tells the peer which of its (possibly several) local identities this
// attestation is meant to reach, for shared-listener demultiplexing.
func (s *Session) sendAttestation(local *identity.Identity, targetNodeKey []byte) error {
	a, err := identity.CreateAttestation(local, 0)
	if err != nil {
		return err
	}
	wire := attestationFrame{
		Version:       a.Version,
		Domain:        a.Domain,
		Principal:     a.Principal,
		NodePublicKey: hex.EncodeToString(a.NodePublicKey),
		IssuedAt:      a.IssuedAt,
		ExpiresAt:     a.ExpiresAt,
		Nonce:         hex.EncodeToString(a.Nonce),
		Signature:     hex.EncodeToString(a.Signature),
	}
	if targetNodeKey != nil {
		wire.TargetNodeKey = hex.EncodeToString(targetNodeKey)
	}
	return writeFrame(s.stream, frameAttestation, wire)
}

// readAndVerifyAttestation reads one attestation frame off stream, verifies
// it, and returns the remote principal, its node public key, and the
// hex-encoded target node key the sender declared (empty if none).
func readAndVerifyAttestation(stream transport.Stream) (principal string, nodePub []byte, targetNodeKeyHex string, err error) {
	typ, payload, err := readFrame(stream)
	if err != nil {
		return "", nil, "", err
	}
	if typ != frameAttestation {
		return "", nil, "", fmt.Errorf("snap2p: expected attestation frame, got %s", typ)
	}

	var wire attestationFrame
	if err := json.Unmarshal(payload, &wire); err != nil {
		return "", nil, "", err
	}

	nodePub, err = hex.DecodeString(wire.NodePublicKey)
	if err != nil {
		return "", nil, "", fmt.Errorf("snap2p: malformed node public key: %w", err)
	}
	nonce, err := hex.DecodeString(wire.Nonce)
	if err != nil {
		return "", nil, "", fmt.Errorf("snap2p: malformed nonce: %w", err)
	}
	sig, err := hex.DecodeString(wire.Signature)
	if err != nil {
		return "", nil, "", fmt.Errorf("snap2p: malformed signature: %w", err)
	}

	a := &identity.Attestation{
		Version:       wire.Version,
		Domain:        wire.Domain,
		Principal:     wire.Principal,
		NodePublicKey: nodePub,
		IssuedAt:      wire.IssuedAt,
		ExpiresAt:     wire.ExpiresAt,
		Nonce:         nonce,
		Signature:     sig,
	}

	if !identity.VerifyAttestation(a) {
		return "", nil, "", fmt.Errorf("snap2p: attestation invalid")
	}

	return a.Principal, nodePub, wire.TargetNodeKey, nil
}

func (s *Session) recvAttestation() error {
	principal, nodePub, _, err := readAndVerifyAttestation(s.stream)
	if err != nil {
		return err
	}
	s.RemotePrincipal = principal
	s.RemoteNodePubKey = nodePub
	return nil
}

func (s *Session) readLoop() {
	var loopErr error
	for {
		typ, payload, err := readFrame(s.stream)
		if err != nil {
			loopErr = err
			break
		}
		s.mu.Lock()
		s.recvSeq++
		s.LastUsedAt = time.Now()
		s.mu.Unlock()

		switch typ {
		case FrameChat:
			var f ChatFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(payload)))
			if s.events != nil {
				s.events.OnChat(s, f)
			}
		case FramePXPush:
			var f PXPushFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			if s.events != nil {
				s.events.OnPXPush(s, f)
			}
		case FramePXRequest:
			var f PXRequestFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			if s.events != nil {
				s.events.OnPXRequest(s, f)
			}
		case FramePXResponse:
			var f PXResponseFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			if s.events != nil {
				s.events.OnPXResponse(s, f)
			}
		default:
			// unknown frame type: ignore rather than close, future-proofing
			// against a peer running a newer protocol revision
		}
	}
	s.Close(loopErr)
}

// SendChat sends a chat frame. The caller is responsible for generating a
// unique message id.
func (s *Session) SendChat(id, content string, nick string) error {
	f := ChatFrame{ID: id, Content: content, Timestamp: time.Now().UnixMilli(), SenderNick: nick}
	if err := writeFrame(s.stream, FrameChat, f); err != nil {
		return err
	}
	s.mu.Lock()
	s.sendSeq++
	s.mu.Unlock()
	metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(content)))
	return nil
}

// SendPXPush sends a px_push frame carrying records.
func (s *Session) SendPXPush(records []PeerAddressRecord) error {
	return writeFrame(s.stream, FramePXPush, PXPushFrame{Records: records})
}

// SendPXRequest sends a px_request frame asking for principal's current
// contact info.
func (s *Session) SendPXRequest(principal string) error {
	return writeFrame(s.stream, FramePXRequest, PXRequestFrame{Principal: principal})
}

// SendPXResponse answers a px_request.
func (s *Session) SendPXResponse(record *PeerAddressRecord) error {
	return writeFrame(s.stream, FramePXResponse, PXResponseFrame{Record: record})
}

// Close ends the session, closing the underlying stream and firing
// OnClosed exactly once.
func (s *Session) Close(cause error) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.Phase = PhaseClosed
		s.mu.Unlock()

		s.closeErr = cause
		s.stream.Close()
		metrics.SessionsActive.Dec()

		reason := "remote"
		if cause == nil {
			reason = "local"
		} else if _, ok := cause.(*ErrFrameTooLarge); ok {
			reason = "error"
		}
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		metrics.SessionDuration.Observe(time.Since(s.CreatedAt).Seconds())

		if s.events != nil {
			s.events.OnClosed(s, cause)
		}
	})
	return s.closeErr
}

// NewMessageID returns a random 128-bit hex message id, per spec §3.
func NewMessageID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a UUID's
		// randomness rather than emitting a zero id.
		return uuid.New().String()
	}
	return hex.EncodeToString(raw[:])
}
