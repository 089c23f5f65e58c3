/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package engine wires the wire codec, fragmenter, Noise sessions,
// capability negotiator, delivery tracker, router, and rate limiter into
// the single orchestration loop spec.md §2 describes as "the transport
// agnostic messaging engine". It plays the role the teacher's device.Device
// plays for WireGuard: the one place that owns every subsystem and drives
// the read/decrypt/dispatch and encrypt/fragment/send pipelines, selecting
// over the bus the way device.RoutineHandshake/RoutineSequentialSender
// select over device.queue.
package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/bitchat-mesh/bitchat/internal/bus"
	"github.com/bitchat-mesh/bitchat/internal/capability"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/config"
	"github.com/bitchat-mesh/bitchat/internal/delivery"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/fec"
	"github.com/bitchat-mesh/bitchat/internal/fragment"
	"github.com/bitchat-mesh/bitchat/internal/logging"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/ratelimit"
	"github.com/bitchat-mesh/bitchat/internal/relay"
	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/internal/store"
	"github.com/bitchat-mesh/bitchat/internal/transport"
	"github.com/bitchat-mesh/bitchat/internal/wire"
)

// PeerID is the 8-byte identifier shared across every subsystem; engine
// converts to/from each subsystem's own defined PeerID type at the
// boundary since Go doesn't let them share a named type across packages.
type PeerID [8]byte

// Commands the engine accepts over bus.Commands().
type SendTextCommand struct {
	Recipient PeerID
	Broadcast bool
	Context   router.MessageContext
	Content   string

	// Done, if set, is marked Processed once the send attempt (successful
	// or not) has been handed to the transport, letting a synchronous
	// caller WaitForProcessed() instead of polling AppEvents().
	Done events.Event
}

type ForgetPeerCommand struct {
	Recipient PeerID
}

// ConnectCommand initiates an outbound Noise-XX handshake with Recipient;
// sendText on an unestablished session is otherwise a no-op, so this is
// how the UI layer actually brings a private conversation up.
type ConnectCommand struct {
	Recipient PeerID
}

// FECCapability is the one non-core capability this implementation
// advertises beyond capability.CoreCapabilities (spec.md §4.2.x/§4.4): a
// legacy or otherwise FEC-unaware peer never receives FEC-protected
// fragments.
const FECCapability = "fec"

// AppEvents the engine emits over bus.AppEvents() (spec.md §7: "every
// message whose delivery ends in Failed or queue-expiry surfaces exactly
// one AppEvent::DeliveryFailed").
type MessageSent struct{ UUID uuid.UUID }
type MessageDelivered struct{ UUID uuid.UUID }
type MessageRead struct{ UUID uuid.UUID }
type DeliveryFailed struct {
	UUID   uuid.UUID
	Reason string
}
type PeerSessionLost struct{ Peer PeerID }
type MessageReceived struct {
	Sender  PeerID
	Content string
}

// FeatureUnsupported is emitted when a send would have used a feature
// (e.g. FEC) Peer hasn't negotiated support for, so it was skipped
// instead (spec.md §4.4: advanced features never reach a legacy peer).
type FeatureUnsupported struct {
	Peer       PeerID
	Capability string
}

// transportEvent tags an inbound transport.Event with which carrier
// produced it, since router health scoring needs to know.
type transportEvent struct {
	From router.TransportKind
	Ev   transport.Event
}

// Engine owns every subsystem and the one goroutine that drains the bus.
type Engine struct {
	cfg   config.Config
	clock clock.Source
	bus   *bus.Bus

	log *logging.Logger

	localPeer       PeerID
	sessions        *noise.Manager
	caps            *capability.Negotiator
	capVersion      uint8
	capCapabilities []string
	tracker   *delivery.Tracker
	store     *store.Store
	router    *router.Router
	relays    *relay.Directory
	limiter   *ratelimit.Limiter
	frag      *fragment.Fragmenter
	asm       *fragment.Assembler

	transports map[router.TransportKind]transport.Transport
}

// New wires every subsystem from cfg, the way device.NewDevice builds out
// a Device's allowedips/indexTable/cookieChecker/pools/queues in one place.
func New(src clock.Source, cfg config.Config, localPriv noise.PrivateKey, localPub noise.PublicKey, localPeer PeerID) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frag, err := fragment.NewFragmenter(cfg.BLE.FragmentSize)
	if err != nil {
		return nil, err
	}
	capVersion := uint8(0x10)
	capCapabilities := append(append([]string(nil), capability.CoreCapabilities...), FECCapability)
	e := &Engine{
		cfg:             cfg,
		clock:           src,
		bus:             bus.New(bus.Config(cfg.Channels)),
		log:             logging.New(cfg.Monitoring.LogLevel, fmt.Sprintf("peer=%x ", localPeer)),
		localPeer:       localPeer,
		sessions:        noise.NewManager(src, cfg.Session, localPriv, localPub, cfg.Limits.MaxConcurrentSessions),
		caps:            capability.NewNegotiator(src, capVersion, capCapabilities, cfg.Timing.CapabilityTimeout),
		capVersion:      capVersion,
		capCapabilities: capCapabilities,
		tracker:         delivery.NewTracker(src, cfg.Delivery),
		store: store.NewWithLimits(src, cfg.MessageStore.PerConversationCap, cfg.MessageStore.GlobalCap,
			cfg.MessageStore.MaxMessageBytes, cfg.MessageStore.MaxContentChars),
		router: router.New(src),
		relays: relay.New(src),
		limiter: &ratelimit.Limiter{
			Peers: ratelimit.NewPeerLimiter(src, cfg.RateLimiting.PeerMessageLimit, cfg.RateLimiting.PeerConnectionLimit,
				cfg.RateLimiting.Window, cfg.RateLimiting.MaxTrackedPeers),
			GlobalMessages: ratelimit.NewGlobalMessageLimiter(cfg.RateLimiting.GlobalMessageLimit, cfg.RateLimiting.Window),
		},
		frag: frag,
		asm: fragment.NewAssembler(src, cfg.Timing.AssemblyLifetime, cfg.Limits.MaxInFlightAssemblies),
		transports: make(map[router.TransportKind]transport.Transport),
	}
	return e, nil
}

// Bus exposes the engine's command/app-event surface to the UI layer.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// AttachTransport registers t and starts forwarding its inbound events
// into the engine's processing loop.
func (e *Engine) AttachTransport(t transport.Transport) {
	e.transports[t.Kind()] = t
	go func() {
		for ev := range t.Events() {
			e.bus.PublishEvent(transportEvent{From: t.Kind(), Ev: ev})
		}
	}()
}

// Run drains the bus until ctx is cancelled. Exactly one goroutine should
// call Run; every subsystem it touches is otherwise safe to query
// concurrently from other goroutines (handler methods, tests) because
// each owns its own mutex.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.bus.Commands():
			e.handleCommand(ctx, cmd)
		case ev := <-e.bus.Events():
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd bus.Command) {
	switch c := cmd.(type) {
	case SendTextCommand:
		e.sendText(ctx, c)
		if c.Done != nil {
			c.Done.Processed()
		}
	case ForgetPeerCommand:
		e.sessions.Forget(noise.PeerID(c.Recipient))
	case ConnectCommand:
		e.connect(ctx, c.Recipient)
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev bus.Event) {
	te, ok := ev.(transportEvent)
	if !ok || te.Ev.Kind != transport.EventBytesReceived {
		if ok {
			e.router.RecordResult(te.From, te.Ev.Kind != transport.EventLinkDown)
		}
		return
	}
	e.router.RecordResult(te.From, true)
	e.receive(ctx, te.Ev.Peer, te.Ev.Bytes)
}

// messageID hashes a message's stable identifying fields the way
// spec.md §3 describes a content-addressed MessageId.
func messageID(sender PeerID, content string, ts uint64) delivery.MessageID {
	h := sha256.New()
	h.Write(sender[:])
	h.Write([]byte(content))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ts)
	h.Write(tsBuf[:])
	var out delivery.MessageID
	copy(out[:], h.Sum(nil))
	return out
}

func randomID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// sendText implements the Command -> session.Encrypt -> Fragmenter ->
// router -> transport.Send pipeline (spec.md §2).
func (e *Engine) sendText(ctx context.Context, c SendTextCommand) {
	peerKey := noise.PeerID(c.Recipient)
	if !e.limiter.AllowMessage(ratelimit.PeerID(c.Recipient)) {
		e.log.Debug.Printf("dropped send to %x: rate limited", c.Recipient)
		return // RateLimited: drop silently with metric (spec.md §7)
	}

	session, ok := e.sessions.Get(peerKey)
	if !ok || session.State() != noise.Established {
		e.log.Info.Printf("no established session with %x, dropping send", c.Recipient)
		e.bus.NotifyApp(PeerSessionLost{Peer: c.Recipient})
		return
	}

	ts := uint64(e.clock.Now())
	body, err := wire.EncodeMessage(&wire.BitchatMessage{
		Timestamp: ts,
		ID:        randomID(),
		Sender:    fmt.Sprintf("%x", e.localPeer),
		Content:   c.Content,
	})
	if err != nil {
		return
	}
	plaintext := wire.JoinPayload(wire.PayloadPrivateMessage, body)

	ciphertext, err := session.Encrypt(nil, plaintext)
	if err != nil {
		e.bus.NotifyApp(PeerSessionLost{Peer: c.Recipient})
		return
	}

	flags := uint8(0)
	if !c.Broadcast {
		flags |= wire.FlagDirected
	}
	pkt := &wire.Packet{
		Version:   wire.Version,
		Type:      wire.TypeChat,
		Flags:     flags,
		Sender:    e.localPeer,
		Recipient: c.Recipient,
		TTL:       7,
		Payload:   ciphertext,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}

	id := uuid.New()
	mid := messageID(e.localPeer, c.Content, ts)
	e.tracker.Track(id, c.Recipient, encoded, mid)

	kind, ok := e.router.Resolve(c.Context, c.Recipient)
	t, haveTransport := e.transports[kind]
	if !ok || !haveTransport {
		// No healthy (or reachable) candidate transport: hand the packet
		// to the router's queue instead of dropping it (spec.md §4.7).
		// Sweep does not drain that queue, so the engine does not send
		// the packet later.
		e.router.Enqueue(router.Effect{Context: c.Context, Recipient: c.Recipient, Payload: encoded})
		return
	}

	if len(encoded) <= wire.MaxPacketSize {
		e.sendRaw(ctx, t, kind, c.Recipient, encoded, id)
		return
	}
	lossRate := 1 - e.router.Score(kind)
	if !e.caps.SupportsCapability([8]byte(c.Recipient), FECCapability) {
		if lossRate > fec.NoFECMaxLossRate {
			e.bus.NotifyApp(FeatureUnsupported{Peer: c.Recipient, Capability: FECCapability})
		}
		lossRate = 0
	}
	for _, fr := range e.frag.Split(encoded, lossRate) {
		fragPayload := fragment.EncodeFragmentPayload(fr)
		fragFlags := flags | wire.FlagIsFragment
		if fr.Algorithm != fec.None {
			fragFlags |= wire.FlagHasFEC
		}
		fragPkt := &wire.Packet{
			Version: wire.Version, Type: wire.TypeFragment, Flags: fragFlags,
			Sender: e.localPeer, Recipient: c.Recipient, TTL: 7, Payload: fragPayload,
		}
		fragEncoded, err := wire.Encode(fragPkt)
		if err != nil {
			continue
		}
		e.sendRaw(ctx, t, kind, c.Recipient, fragEncoded, id)
	}
}

// sendControlPayload encrypts and transmits a one-shot control message
// (a delivery ack or read receipt) over whatever transport the router
// currently favors for private traffic. Unlike sendText, control replies
// are not registered with the delivery tracker — a lost ack is superseded
// by the next one the peer sends.
func (e *Engine) sendControlPayload(ctx context.Context, to PeerID, session *noise.Session, tag wire.PayloadType, body []byte) {
	ciphertext, err := session.Encrypt(nil, wire.JoinPayload(tag, body))
	if err != nil {
		return
	}
	pkt := &wire.Packet{
		Version: wire.Version, Type: wire.TypeChat, Flags: wire.FlagDirected,
		Sender: e.localPeer, Recipient: to, TTL: 7, Payload: ciphertext,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	kind, ok := e.router.Resolve(router.ReadReceipt, to)
	t, haveTransport := e.transports[kind]
	if !ok || !haveTransport {
		return
	}
	err = t.Send(ctx, transport.PeerID(to), encoded)
	e.router.RecordResult(kind, err == nil)
}

func (e *Engine) sendRaw(ctx context.Context, t transport.Transport, kind router.TransportKind, recipient PeerID, payload []byte, id uuid.UUID) {
	err := t.Send(ctx, transport.PeerID(recipient), payload)
	e.router.RecordResult(kind, err == nil)
	if err != nil {
		return
	}
	if _, ok := e.tracker.MarkSent(id); ok {
		e.bus.NotifyApp(MessageSent{UUID: id})
	}
}

// connect starts an outbound Noise-XX handshake with to, moving its
// session Uninitialized -> Handshaking and sending the first XX message
// (spec.md §4.3).
func (e *Engine) connect(ctx context.Context, to PeerID) {
	session, err := e.sessions.CreateOutbound(noise.PeerID(to))
	if err != nil {
		return
	}
	msg, err := session.WriteHandshakeMessage()
	if err != nil {
		return
	}
	e.sendHandshakeMessage(ctx, to, msg)
}

// sendHandshakeMessage wraps a raw Noise handshake message (unencrypted,
// there being no session key yet to encrypt it with) in a TypeHandshake
// packet and transmits it, placing it in the router's queue (which Sweep
// does not drain) if no transport is currently healthy and reachable for
// to.
func (e *Engine) sendHandshakeMessage(ctx context.Context, to PeerID, msg []byte) {
	pkt := &wire.Packet{
		Version: wire.Version, Type: wire.TypeHandshake, Flags: wire.FlagDirected,
		Sender: e.localPeer, Recipient: to, TTL: 7, Payload: msg,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	kind, ok := e.router.Resolve(router.Private, to)
	t, haveTransport := e.transports[kind]
	if !ok || !haveTransport {
		e.router.Enqueue(router.Effect{Context: router.Private, Recipient: to, Payload: encoded})
		return
	}
	err = t.Send(ctx, transport.PeerID(to), encoded)
	e.router.RecordResult(kind, err == nil)
}

// dispatchHandshake drives one XX message, for both an initial handshake
// and a rekey, through whichever response it owes the peer next
// (spec.md §4.3). It covers four cases with one flow: a responder seeing
// message 1 (no session yet), an initiator or responder seeing the next
// message of an in-progress handshake, an Established session receiving
// an unsolicited message (a peer-initiated rekey), and the message that
// finally completes the pattern.
func (e *Engine) dispatchHandshake(ctx context.Context, from PeerID, payload []byte) {
	peerKey := noise.PeerID(from)
	session, ok := e.sessions.Get(peerKey)
	if !ok {
		var err error
		session, err = e.sessions.CreateInbound(peerKey)
		if err != nil {
			return
		}
	} else {
		switch session.State() {
		case noise.Established:
			if err := session.AcceptRekey(); err != nil {
				return
			}
		case noise.Uninitialized, noise.Terminated, noise.Failed:
			if err := session.CreateInbound(); err != nil {
				return
			}
		}
	}

	switch session.State() {
	case noise.Handshaking, noise.Rekeying:
		if err := session.ReadHandshakeMessage(payload); err != nil {
			e.bus.NotifyApp(PeerSessionLost{Peer: from})
			return
		}
	default:
		return
	}

	if session.State() == noise.Established {
		e.onSessionEstablished(ctx, from, session)
		return
	}

	reply, err := session.WriteHandshakeMessage()
	if err != nil {
		return
	}
	e.sendHandshakeMessage(ctx, from, reply)
	if session.State() == noise.Established {
		e.onSessionEstablished(ctx, from, session)
	}
}

// onSessionEstablished starts capability negotiation the moment a session
// reaches Established, for both a fresh handshake and a completed rekey
// (spec.md §4.4: negotiation "begins immediately once the Noise session is
// Established"). Resending a Hello after a rekey is harmless; HandleHello
// on the peer's side is idempotent.
func (e *Engine) onSessionEstablished(ctx context.Context, peer PeerID, session *noise.Session) {
	e.caps.BeginPending([8]byte(peer))
	body := wire.EncodeHello([]uint8{e.capVersion}, e.capCapabilities, "bitchat-go")
	e.sendControlPayload(ctx, peer, session, wire.PayloadVersionHello, body)
}

// receive implements the transport -> reassembler -> session.Decrypt ->
// dispatch pipeline (spec.md §2).
func (e *Engine) receive(ctx context.Context, from transport.PeerID, raw []byte) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		e.log.Debug.Printf("dropped malformed packet from %x: %v", from, err)
		return // InvalidPacket: drop, never tear down the carrier (spec.md §7)
	}

	if pkt.Type == wire.TypeHandshake {
		e.dispatchHandshake(ctx, PeerID(pkt.Sender), pkt.Payload)
		return
	}

	var payload []byte
	switch pkt.Type {
	case wire.TypeFragment:
		fr, err := fragment.DecodeFragmentPayload(pkt.Payload)
		if err != nil {
			return
		}
		result, err := e.asm.Add(pkt.Sender, fr)
		if err != nil || !result.Complete {
			return
		}
		reassembled, err := wire.Decode(result.Bytes)
		if err != nil {
			return
		}
		pkt = reassembled
		payload = pkt.Payload
	case wire.TypeChat:
		payload = pkt.Payload
	default:
		return
	}

	peerKey := noise.PeerID(pkt.Sender)
	session, ok := e.sessions.Get(peerKey)
	if !ok {
		return
	}
	plaintext, err := session.Decrypt(nil, payload)
	if err != nil {
		// A message encrypted under the pre-rekey key can still arrive
		// while the session is mid-rekey; Decrypt refuses outside
		// Established without touching session state, so it's safe to
		// retry here before giving up on the session (spec.md §4.3).
		if session.State() == noise.Rekeying {
			if pt, prevErr := session.DecryptWithPrevious(nil, payload); prevErr == nil {
				plaintext, err = pt, nil
			}
		}
	}
	if err != nil {
		e.bus.NotifyApp(PeerSessionLost{Peer: PeerID(pkt.Sender)})
		return
	}

	tag, body, err := wire.SplitPayload(plaintext)
	if err != nil || !tag.IsKnown() {
		return
	}

	switch tag {
	case wire.PayloadPrivateMessage:
		msg, err := wire.DecodeMessage(body)
		if err != nil {
			return
		}
		e.bus.NotifyApp(MessageReceived{Sender: PeerID(pkt.Sender), Content: msg.Content})
		mid := messageID(PeerID(pkt.Sender), msg.Content, msg.Timestamp)
		e.store.Append(store.Message{ID: store.MessageID(mid), Conversation: store.ConversationID(fmt.Sprintf("%x", pkt.Sender)),
			Sender: pkt.Sender, Content: msg.Content})
		if e.tracker.ShouldSendAck() && !e.tracker.AlreadySentReceipt(mid) {
			e.sendControlPayload(ctx, PeerID(pkt.Sender), session, wire.PayloadDelivered, mid[:])
			e.tracker.NoteReceiptSent(mid)
		}
	case wire.PayloadDelivered:
		mid := delivery.MessageID{}
		copy(mid[:], body)
		if id, ok := e.tracker.UUIDForMessageID(mid); ok {
			e.tracker.Confirm(mid)
			e.bus.NotifyApp(MessageDelivered{UUID: id})
		}
	case wire.PayloadReadReceipt:
		mid := delivery.MessageID{}
		copy(mid[:], body)
		if id, ok := e.tracker.UUIDForMessageID(mid); ok {
			e.tracker.MarkRead(mid)
			e.bus.NotifyApp(MessageRead{UUID: id})
		}
	case wire.PayloadVersionHello:
		versions, caps, implInfo, err := wire.DecodeHello(body)
		if err != nil {
			return
		}
		ack, rej := e.caps.HandleHello(capability.Hello{
			Peer: pkt.Sender, SupportedVersions: versions, Capabilities: caps, ImplementationInfo: implInfo,
		})
		if rej != nil {
			e.sendControlPayload(ctx, PeerID(pkt.Sender), session, wire.PayloadCapabilityRejection,
				wire.EncodeRejection(uint8(rej.Reason)))
			return
		}
		e.sendControlPayload(ctx, PeerID(pkt.Sender), session, wire.PayloadVersionAck,
			wire.EncodeAck(ack.NegotiatedVersion, ack.MutualCapabilities))
	case wire.PayloadVersionAck:
		version, mutual, err := wire.DecodeAck(body)
		if err != nil {
			return
		}
		e.caps.HandleAck(pkt.Sender, capability.Ack{NegotiatedVersion: version, MutualCapabilities: mutual})
	case wire.PayloadCapabilityRejection:
		reason, err := wire.DecodeRejection(body)
		if err != nil {
			return
		}
		e.log.Debug.Printf("capability negotiation rejected by %x: reason=%d", pkt.Sender, reason)
	}
}

// Sweep runs the periodic maintenance cycle every subsystem exposes:
// session timeouts/rekeys, legacy-capability timeouts, reporting of
// delivery failures and expiries, rate-limiter garbage collection, store
// aging and transport health probes. It does not resend tracked messages
// and does not drain the router's outbound queue. The engine's caller
// (cmd/bitchatd or a test) calls it periodically; cmd/bitchatd uses a
// wall-clock ticker, while every timeout is read from the engine's
// clock.Source.
func (e *Engine) Sweep() {
	timedOut, idled, needsRekey := e.sessions.Sweep()
	for _, p := range timedOut {
		e.bus.NotifyApp(PeerSessionLost{Peer: PeerID(p)})
	}
	for _, p := range idled {
		if s, ok := e.sessions.Get(p); ok {
			s.Terminate()
		}
	}
	for _, p := range needsRekey {
		if s, ok := e.sessions.Get(p); ok {
			if msg, err := s.InitiateRekey(); err == nil {
				e.sendHandshakeMessage(context.Background(), PeerID(p), msg)
			}
		}
	}

	for _, p := range e.caps.SweepLegacyTimeouts() {
		e.log.Debug.Printf("peer %x timed out waiting for a capability hello, downgraded to Legacy", p)
	}

	for _, ev := range e.tracker.Sweep() {
		if ev.Status == delivery.Failed || ev.Status == delivery.Expired {
			e.log.Info.Printf("delivery %s for %s: %s", ev.Status, ev.UUID, ev.Reason)
			e.bus.NotifyApp(DeliveryFailed{UUID: ev.UUID, Reason: ev.Reason})
		}
	}

	e.limiter.Peers.Sweep(e.cfg.RateLimiting.Window * 10)
	e.store.SweepByAge(e.cfg.MessageStore.MaxAge)

	for kind := range e.transports {
		if e.router.NeedsProbe(kind) {
			if h, err := e.transports[kind].Probe(context.Background()); err == nil {
				e.router.RecordResult(kind, h.Reachable)
			} else {
				e.router.RecordResult(kind, false)
			}
			e.router.MarkProbed(kind)
		}
	}
}
