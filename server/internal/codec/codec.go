// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package codec turns application messages into Sphinx packets and back.
// It chooses the paths, attaches SURBs and tickets, and keeps the SURB
// store up to date with what is sent and received.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/crypto/group"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server/internal/surbstore"
)

// PathResolver selects the paths of outgoing packets.  Paths are lists of
// node public keys.
type PathResolver interface {
	// ForwardPath returns a path ending with dst.
	ForwardPath(ctx context.Context, dst []byte) ([][]byte, error)

	// ReturnPath returns a path from dst back to this node, excluding dst
	// and ending with this node.
	ReturnPath(ctx context.Context, dst []byte) ([][]byte, error)
}

// TicketProcessor issues and checks the per relay tickets carried as
// relayer data.
type TicketProcessor interface {
	// IssueTickets returns the relayer data for each relay of path, that
	// is every hop but the last.  sender is the node that will send the
	// packet to path[0].
	IssueTickets(sender []byte, path [][]byte) ([][]byte, error)

	// ValidateTicket checks the relayer data of a packet received from
	// prevHop.
	ValidateTicket(prevHop, relayerData []byte) error
}

// ReplayFilter reports whether a packet tag was seen before.
type ReplayFilter interface {
	IsReplay(tag sphinx.PacketTag) bool
}

// OutgoingPacket is an encoded packet to send to NextHop.
type OutgoingPacket struct {
	NextHop []byte
	Packet  []byte
}

// ForwardOptions are the parameters of a forward packet.
type ForwardOptions struct {
	// Pseudonym identifies the sender to the destination.
	Pseudonym surbstore.Pseudonym

	// NumSURBs is the number of SURBs to attach.
	NumSURBs int

	Signals Signals

	// NoAck asks the destination not to acknowledge the packet.
	NoAck bool
}

// Encoder builds outgoing packets.
type Encoder struct {
	log *logging.Logger
	geo *sphinx.Geometry

	self     []byte
	mapper   sphinx.KeyIDMapper
	resolver PathResolver
	tickets  TicketProcessor
	store    *surbstore.Store
	rand     io.Reader
}

// NewEncoder creates an Encoder for the node with keypair kp.
func NewEncoder(l *logging.Logger, geo *sphinx.Geometry, kp *group.Keypair, mapper sphinx.KeyIDMapper, resolver PathResolver, tickets TicketProcessor, store *surbstore.Store) *Encoder {
	return &Encoder{
		log:      l,
		geo:      geo,
		self:     kp.Public.Alpha(),
		mapper:   mapper,
		resolver: resolver,
		tickets:  tickets,
		store:    store,
		rand:     rand.Reader,
	}
}

func (e *Encoder) sharedKeys(path [][]byte) (*sphinx.SharedKeys, error) {
	g := e.geo.GroupScheme()
	elems := make([]group.Element, 0, len(path))
	for _, k := range path {
		el, err := g.ElementFromAlpha(k)
		if err != nil {
			return nil, fmt.Errorf("codec: invalid path key %x: %w", shortKey(k), err)
		}
		elems = append(elems, el)
	}
	return sphinx.NewSharedKeys(g, elems, e.rand)
}

// newSURB creates a SURB for dst to reply to pseudonym p, and stores its
// opener.
func (e *Encoder) newSURB(ctx context.Context, dst []byte, p surbstore.Pseudonym) (*surbstore.SURBWithID, error) {
	path, err := e.resolver.ReturnPath(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPath, err)
	}
	keys, err := e.sharedKeys(path)
	if err != nil {
		return nil, err
	}
	ids := make([][]byte, 0, len(path))
	for _, k := range path {
		id, ok := e.mapper.KeyToID(k)
		if !ok {
			return nil, fmt.Errorf("%w: %x", sphinx.ErrUnknownKeyID, shortKey(k))
		}
		ids = append(ids, id)
	}
	relayerData, err := e.tickets.IssueTickets(dst, path)
	if err != nil {
		return nil, err
	}

	surbID, err := surbstore.NewSURBID(e.rand)
	if err != nil {
		return nil, err
	}
	sender := surbstore.SenderID{Pseudonym: p, SURBID: surbID}
	surb, opener, err := sphinx.NewSURB(e.geo, keys, ids, relayerData, sender.Bytes(), make([]byte, e.geo.SURBReceiverDataLength), e.rand)
	if err != nil {
		return nil, err
	}
	e.store.InsertReplyOpener(sender, opener)
	return &surbstore.SURBWithID{ID: surbID, SURB: surb}, nil
}

// EncodeForward encodes msg for dst over a path of the resolver's choice,
// with opts.NumSURBs SURBs attached.
func (e *Encoder) EncodeForward(ctx context.Context, dst []byte, opts *ForwardOptions, msg []byte) (*OutgoingPacket, error) {
	if opts.NumSURBs < 0 || opts.NumSURBs > MaxSURBsPerPacket(e.geo) {
		return nil, fmt.Errorf("%w: cannot attach %d SURBs", ErrPayload, opts.NumSURBs)
	}
	if max := MaxMessageLength(e.geo, opts.NumSURBs); len(msg) > max {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds %d bytes", ErrPayload, len(msg), max)
	}

	path, err := e.resolver.ForwardPath(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPath, err)
	}
	if len(path) == 0 {
		return nil, ErrNoPath
	}
	keys, err := e.sharedKeys(path)
	if err != nil {
		return nil, err
	}
	relayerData, err := e.tickets.IssueTickets(e.self, path)
	if err != nil {
		return nil, err
	}

	surbs := make([]surbstore.SURBWithID, 0, opts.NumSURBs)
	for i := 0; i < opts.NumSURBs; i++ {
		s, err := e.newSURB(ctx, dst, opts.Pseudonym)
		if err != nil {
			return nil, err
		}
		surbs = append(surbs, *s)
	}
	plaintext, err := encodePayload(e.geo, opts.Signals, surbs, msg)
	if err != nil {
		return nil, err
	}

	sender := surbstore.SenderID{Pseudonym: opts.Pseudonym}
	partial, err := sphinx.NewPartialPacket(e.geo, e.mapper, &sphinx.ForwardPath{
		Keys:         keys,
		Path:         path,
		RelayerData:  relayerData,
		ReceiverData: sender.Bytes(),
		NoAck:        opts.NoAck,
	}, e.rand)
	if err != nil {
		return nil, err
	}
	pkt, err := partial.ToMetaPacket(e.geo, plaintext)
	if err != nil {
		return nil, err
	}
	return &OutgoingPacket{NextHop: path[0], Packet: pkt}, nil
}

// EncodeReply encodes msg as a reply to the holder of pseudonym p, using
// one of its SURBs.  The SURB store signals are added when the pseudonym
// runs low on SURBs.
func (e *Encoder) EncodeReply(p surbstore.Pseudonym, signals Signals, msg []byte) (*OutgoingPacket, error) {
	if max := MaxMessageLength(e.geo, 0); len(msg) > max {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds %d bytes", ErrPayload, len(msg), max)
	}

	found, err := e.store.FindSURB(surbstore.MatchPseudonym(p))
	if err != nil {
		if errors.Is(err, surbstore.ErrNoSURB) {
			return nil, fmt.Errorf("%w: %v", ErrNoSURB, p)
		}
		return nil, err
	}
	if found.Remaining == 0 {
		signals |= SignalOutOfSURBs
	}
	if e.store.InDistress(found.Remaining) {
		signals |= SignalSURBDistress
	}

	nextHop, ok := e.mapper.IDToKey(found.SURB.FirstRelayer)
	if !ok {
		return nil, fmt.Errorf("%w: %x", sphinx.ErrUnknownKeyID, found.SURB.FirstRelayer)
	}
	plaintext, err := encodePayload(e.geo, signals, nil, msg)
	if err != nil {
		return nil, err
	}
	partial, err := sphinx.NewPartialPacket(e.geo, e.mapper, &sphinx.SURBRouting{
		SURB:         found.SURB,
		ReceiverData: found.SenderID.Bytes(),
	}, e.rand)
	if err != nil {
		return nil, err
	}
	pkt, err := partial.ToMetaPacket(e.geo, plaintext)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("Reply to %v, %d SURBs left.", found.SenderID, found.Remaining)
	return &OutgoingPacket{NextHop: nextHop, Packet: pkt}, nil
}

// IncomingFinal is a packet addressed to this node.
type IncomingFinal struct {
	// Sender is the sender's pseudonym for forward packets, or the SURB
	// this node handed out for replies.
	Sender surbstore.SenderID

	Message []byte
	Signals Signals

	// SURBs is the number of SURBs the packet carried.
	SURBs int

	IsReply   bool
	NoAck     bool
	PacketTag sphinx.PacketTag
}

// IncomingForwarded is a packet to relay to NextHop.
type IncomingForwarded struct {
	NextHop   []byte
	Packet    []byte
	PathPos   uint8
	PacketTag sphinx.PacketTag
}

// IncomingPacket is a decoded packet.  Exactly one of the fields is set.
type IncomingPacket struct {
	Final     *IncomingFinal
	Forwarded *IncomingForwarded
}

// Decoder processes incoming packets.
type Decoder struct {
	log *logging.Logger
	geo *sphinx.Geometry

	keypair *group.Keypair
	mapper  sphinx.KeyIDMapper
	tickets TicketProcessor
	store   *surbstore.Store
	filter  ReplayFilter
}

// NewDecoder creates a Decoder for the node with keypair kp.
func NewDecoder(l *logging.Logger, geo *sphinx.Geometry, kp *group.Keypair, mapper sphinx.KeyIDMapper, tickets TicketProcessor, store *surbstore.Store, filter ReplayFilter) *Decoder {
	return &Decoder{
		log:     l,
		geo:     geo,
		keypair: kp,
		mapper:  mapper,
		tickets: tickets,
		store:   store,
		filter:  filter,
	}
}

func (d *Decoder) openers(receiverData []byte) (*sphinx.ReplyOpener, bool) {
	id, err := surbstore.SenderIDFromBytes(receiverData)
	if err != nil {
		return nil, false
	}
	return d.store.FindReplyOpener(id)
}

// Decode processes a packet received from prevHop.  The packet buffer is
// reused for forwarded packets.  Every error is an *IncomingPacketError.
func (d *Decoder) Decode(prevHop, data []byte) (*IncomingPacket, error) {
	fail := func(kind ErrorKind, err error) (*IncomingPacket, error) {
		return nil, &IncomingPacketError{Kind: kind, PrevHop: prevHop, Err: err}
	}

	pkt, err := sphinx.MetaPacketFromBytes(d.geo, data)
	if err != nil {
		return fail(Undecodable, err)
	}
	out, err := sphinx.Unwrap(d.geo, d.keypair, d.mapper, d.openers, pkt)
	if err != nil {
		return fail(ProcessingError, err)
	}

	if r := out.Relayed; r != nil {
		if d.filter.IsReplay(r.PacketTag) {
			return fail(Replay, fmt.Errorf("tag %v", r.PacketTag))
		}
		if err := d.tickets.ValidateTicket(prevHop, r.RelayerData); err != nil {
			return fail(InvalidTicket, err)
		}
		return &IncomingPacket{
			Forwarded: &IncomingForwarded{
				NextHop:   r.NextNode,
				Packet:    r.Packet,
				PathPos:   r.PathPos,
				PacketTag: r.PacketTag,
			},
		}, nil
	}

	f := out.Final
	if d.filter.IsReplay(f.PacketTag) {
		return fail(Replay, fmt.Errorf("tag %v", f.PacketTag))
	}
	sender, err := surbstore.SenderIDFromBytes(f.ReceiverData)
	if err != nil {
		return fail(ProcessingError, err)
	}
	p, err := decodePayload(d.geo, f.Payload)
	if err != nil {
		return fail(ProcessingError, err)
	}

	in := &IncomingFinal{
		Sender:    sender,
		Message:   p.msg,
		Signals:   p.signals,
		IsReply:   f.IsReply,
		NoAck:     f.NoAck,
		PacketTag: f.PacketTag,
	}
	switch {
	case len(p.surbs) == 0:
	case f.IsReply:
		d.log.Debugf("Ignoring %d SURBs carried by a reply to %v.", len(p.surbs), sender)
	default:
		in.SURBs = len(p.surbs)
		d.store.InsertSURBs(sender.Pseudonym, p.surbs)
	}
	return &IncomingPacket{Final: in}, nil
}
