// Package video publishes the live preview to browsers over WebRTC data
// channels, as a lower latency alternative to the websocket preview.
//
// Signalling is a single non-trickle exchange: the browser creates a data
// channel labelled "preview", posts its offer and applies the answer. Each
// preview JPEG is then sent as binary chunks of at most ChunkSize bytes,
// followed by the text message "eof".
package video

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

const (
	// ChannelLabel is the data channel label clients must use.
	ChannelLabel = "preview"

	// ChunkSize keeps every message under the smallest SCTP message size
	// browsers accept.
	ChunkSize = 16 * 1024

	// EndOfFrame terminates the chunks of one frame.
	EndOfFrame = "eof"

	// maxBuffered is how much unsent data a slow peer may queue before
	// frames are skipped for it.
	maxBuffered = 1 << 20
)

var (
	ErrBadOffer    = errors.New("video: session description is not an offer")
	ErrUnknownPeer = errors.New("video: unknown peer")
	ErrClosed      = errors.New("video: publisher closed")
)

// Publisher fans preview frames out to WebRTC peers.
type Publisher struct {
	config webrtc.Configuration
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

type peer struct {
	id string
	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (p *peer) channel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dc == nil || p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return p.dc
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithICEServers sets STUN/TURN server URLs. Without any, only host
// candidates are gathered, which is enough on a LAN.
func WithICEServers(urls ...string) Option {
	return func(p *Publisher) {
		if len(urls) > 0 {
			p.config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher creates a publisher with no peers.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		logger: slog.Default(),
		peers:  make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "video.publisher")
	return p
}

// Answer accepts a browser offer and returns the peer id and the answer,
// with all ICE candidates included. It blocks until gathering is complete
// or ctx ends.
func (p *Publisher) Answer(ctx context.Context, offer webrtc.SessionDescription) (string, *webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return "", nil, ErrBadOffer
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", nil, ErrClosed
	}

	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return "", nil, err
	}
	pr := &peer{id: uuid.New().String(), pc: pc}
	logger := p.logger.With("peer", pr.id)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("ignoring data channel", "label", dc.Label())
			return
		}
		dc.OnOpen(func() { logger.Info("preview channel open") })
		pr.mu.Lock()
		pr.dc = dc
		pr.mu.Unlock()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go p.Remove(pr.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", nil, errors.Join(ErrBadOffer, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return "", nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return "", nil, ErrClosed
	}
	p.peers[pr.id] = pr
	p.mu.Unlock()

	logger.Info("preview peer connected")
	return pr.id, pc.LocalDescription(), nil
}

// Ready returns how many peers have an open preview channel.
func (p *Publisher) Ready() int {
	n := 0
	for _, pr := range p.snapshot() {
		if pr.channel() != nil {
			n++
		}
	}
	return n
}

// PeerCount returns how many peers are connected or connecting.
func (p *Publisher) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Broadcast sends one frame to every ready peer and returns how many got
// it. Peers with a full send buffer skip the frame.
func (p *Publisher) Broadcast(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	sent := 0
	for _, pr := range p.snapshot() {
		dc := pr.channel()
		if dc == nil {
			continue
		}
		if dc.BufferedAmount() > maxBuffered {
			p.logger.Debug("peer is slow, skipping frame", "peer", pr.id)
			continue
		}
		if err := sendFrame(dc, data); err != nil {
			p.logger.Debug("preview send failed", "peer", pr.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func sendFrame(dc *webrtc.DataChannel, data []byte) error {
	for _, c := range chunks(data, ChunkSize) {
		if err := dc.Send(c); err != nil {
			return err
		}
	}
	return dc.SendText(EndOfFrame)
}

func chunks(data []byte, size int) [][]byte {
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}

// Remove disconnects a peer.
func (p *Publisher) Remove(id string) error {
	p.mu.Lock()
	pr, ok := p.peers[id]
	delete(p.peers, id)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	p.logger.Info("preview peer removed", "peer", id)
	return pr.pc.Close()
}

// Close disconnects every peer and rejects new offers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	peers := p.peers
	p.peers = make(map[string]*peer)
	p.mu.Unlock()

	var errs []error
	for _, pr := range peers {
		if err := pr.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) snapshot() []*peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr)
	}
	return out
}
