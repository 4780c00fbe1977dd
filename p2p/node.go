package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Handler processes one message. A returned error makes the sender retry.
type Handler func(ctx context.Context, n *Node, msg Message) error

// Node is one endpoint of the relay: the pool daemon, or a bridge peer on another domain.
type Node struct {
	ID      string
	Address string
	Peers   map[string]string // Map of Node ID to its address; must not change while sending
	server  *http.Server

	waitGroup *sync.WaitGroup
	client    *http.Client
	// RetryBudget bounds the total time spent retrying one send.
	RetryBudget time.Duration

	handlerMutex sync.RWMutex
	handlers     map[string]Handler

	healthMutex sync.Mutex
	health      map[string]bool

	log zerolog.Logger
}

// NewNode creates and initializes a new Node.
func NewNode(id, address string, peers map[string]string, wg *sync.WaitGroup, log zerolog.Logger) *Node {
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &Node{
		ID:          id,
		Address:     address,
		Peers:       peers,
		waitGroup:   wg,
		client:      &http.Client{Timeout: 5 * time.Second},
		RetryBudget: 30 * time.Second,
		handlers:    make(map[string]Handler),
		health:      make(map[string]bool),
		log:         log.With().Str("component", "p2p").Str("node", id).Logger(),
	}
}

// RegisterHandler installs h for messages of type msgType, replacing any previous one.
func (n *Node) RegisterHandler(msgType string, h Handler) {
	n.handlerMutex.Lock()
	defer n.handlerMutex.Unlock()
	n.handlers[msgType] = h
}

// Handler returns the HTTP surface of the node.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", n.messageHandler)
	return mux
}

// messageHandler decodes the envelope and dispatches on its type.
func (n *Node) messageHandler(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&msg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		n.log.Warn().Err(err).Msg("bad request")
		return
	}
	n.log.Debug().Str("type", msg.Type).Str("id", msg.ID).Str("from", msg.SenderID).Msg("message received")

	if msg.Type == TypePing {
		w.WriteHeader(http.StatusOK)
		return
	}
	n.handlerMutex.RLock()
	h, ok := n.handlers[msg.Type]
	n.handlerMutex.RUnlock()
	if !ok {
		http.Error(w, "unknown message type", http.StatusBadRequest)
		n.log.Warn().Str("type", msg.Type).Msg("unknown message type")
		return
	}
	if err := h(r.Context(), n, msg); err != nil {
		var bad *BadMessageError
		if errors.As(err, &bad) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.log.Error().Err(err).Str("type", msg.Type).Str("id", msg.ID).Msg("handler failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Message received")
}

var (
	// ErrUnknownSender rejects a message whose sender is not the one a handler serves.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrPeerRejected is returned once a peer answers 4xx; the message is not retried.
	ErrPeerRejected = errors.New("peer rejected message")
)

// BadMessageError marks a message the receiver will never accept; the sender stops retrying.
type BadMessageError struct{ Err error }

func (e *BadMessageError) Error() string { return "bad message: " + e.Err.Error() }
func (e *BadMessageError) Unwrap() error { return e.Err }

// Decode unmarshals msg's payload, marking failures as permanent.
func Decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return &BadMessageError{Err: err}
	}
	return nil
}

// StartServer listens on n.Address and serves in a new goroutine. It signals on ready once
// the listener is bound; an address with port 0 is replaced by the bound one.
func (n *Node) StartServer(ready chan<- struct{}) error {
	listener, err := net.Listen("tcp", n.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.Address, err)
	}
	n.Address = listener.Addr().String()
	n.server = &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	n.waitGroup.Add(1)
	go func() {
		defer n.waitGroup.Done()
		n.log.Info().Str("addr", n.Address).Msg("relay listening")
		if ready != nil {
			ready <- struct{}{}
		}
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error().Err(err).Msg("relay server failed")
		}
		n.log.Info().Msg("relay stopped")
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.server == nil {
		return nil
	}
	return n.server.Shutdown(ctx)
}

func newMessageID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("message id: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// SendMessage sends a message with a fresh id to another node.
// The payload can be any struct that is marshallable to JSON.
func (n *Node) SendMessage(ctx context.Context, targetID, messageType string, payload any) error {
	return n.SendMessageWithID(ctx, targetID, newMessageID(), messageType, payload)
}

// SendMessageWithID delivers at least once: transport errors and 5xx answers are retried with
// exponential backoff until RetryBudget or ctx runs out. 4xx answers are final.
func (n *Node) SendMessageWithID(ctx context.Context, targetID, id, messageType string, payload any) error {
	targetAddress, ok := n.Peers[targetID]
	if !ok {
		return fmt.Errorf("peer '%s' not found in directory", targetID)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	body, err := json.Marshal(Message{ID: id, Type: messageType, Payload: payloadBytes, SenderID: n.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}
	url := "http://" + targetAddress + "/message"

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrPeerRejected, resp.Status))
		default:
			return fmt.Errorf("peer returned non-OK status: %s", resp.Status)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = n.RetryBudget
	notify := func(err error, wait time.Duration) {
		n.log.Debug().Err(err).Str("peer", targetID).Dur("retry_in", wait).Msg("send failed")
	}
	n.log.Debug().Str("type", messageType).Str("peer", targetID).Str("addr", targetAddress).Msg("sending message")
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("sending %s to %s: %w", messageType, targetID, err)
	}
	return nil
}

// Broadcast sends to every peer concurrently and returns the failures by peer id.
func (n *Node) Broadcast(ctx context.Context, messageType string, payload any) map[string]error {
	var mu sync.Mutex
	failed := make(map[string]error)
	var wg sync.WaitGroup
	for id := range n.Peers {
		if id == n.ID {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := n.SendMessage(ctx, id, messageType, payload); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}

// HealthCheck pings every peer once and records which answered.
func (n *Node) HealthCheck(ctx context.Context) {
	for id, addr := range n.Peers {
		if id == n.ID {
			continue
		}
		body, _ := json.Marshal(Message{ID: newMessageID(), Type: TypePing, SenderID: n.ID})
		ok := false
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/message", bytes.NewReader(body))
		if err == nil {
			if resp, err := n.client.Do(req); err == nil {
				ok = resp.StatusCode == http.StatusOK
				resp.Body.Close()
			}
		}
		n.healthMutex.Lock()
		n.health[id] = ok
		n.healthMutex.Unlock()
	}
}

// PeerHealth returns how many peers answered the last health check and how many there are.
func (n *Node) PeerHealth() (healthy, total int) {
	n.healthMutex.Lock()
	defer n.healthMutex.Unlock()
	for id := range n.Peers {
		if id == n.ID {
			continue
		}
		total++
		if n.health[id] {
			healthy++
		}
	}
	return healthy, total
}
