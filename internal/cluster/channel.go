package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Transport issues JSON-encoded requests against a peer address. It exists as
// an interface so replica sets and transfer drivers can be exercised in tests
// with an in-process transport instead of real HTTP.
type Transport interface {
	// PostJSON sends body to addr+path and decodes the response into out.
	// Pass nil out to discard the response body.
	PostJSON(ctx context.Context, addr, path string, body, out any) error

	// GetJSON fetches addr+path and decodes the response into out.
	GetJSON(ctx context.Context, addr, path string, out any) error
}

// httpTransport is the production Transport: JSON over HTTP with a shared
// pooled client. The client's 5-second timeout bounds every call, whatever
// the context's deadline; a shorter context deadline still ends a call
// earlier.
type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) PostJSON(ctx context.Context, addr, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s%s: %d", addr, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *httpTransport) GetJSON(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s%s: %d", addr, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ChannelService resolves peer ids to network addresses and carries the
// Transport used for every inter-peer call of a collection. A single
// ChannelService is shared by all remote shard stubs of a collection, so
// address updates from the cluster layer take effect everywhere at once.
type ChannelService struct {
	transport Transport
	addrs     map[PeerID]string
	mu        sync.RWMutex
}

// NewChannelService builds a ChannelService over HTTP with the given peer
// address book. The address book may be updated later via SetPeerAddress.
func NewChannelService(addrs map[PeerID]string) *ChannelService {
	return NewChannelServiceWithTransport(addrs, &httpTransport{
		client: &http.Client{Timeout: 5 * time.Second},
	})
}

// NewChannelServiceWithTransport builds a ChannelService with a custom
// Transport. Used by tests to wire peers in process.
func NewChannelServiceWithTransport(addrs map[PeerID]string, transport Transport) *ChannelService {
	book := make(map[PeerID]string, len(addrs))
	for id, addr := range addrs {
		book[id] = addr
	}
	return &ChannelService{transport: transport, addrs: book}
}

// PeerAddress resolves a peer id to its current address.
func (c *ChannelService) PeerAddress(peer PeerID) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addrs[peer]
	if !ok {
		return "", NewServiceError("no address known for peer %d", peer)
	}
	return addr, nil
}

// SetPeerAddress inserts or updates a peer's address.
func (c *ChannelService) SetPeerAddress(peer PeerID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[peer] = addr
}

// RemovePeer drops a peer from the address book.
func (c *ChannelService) RemovePeer(peer PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.addrs, peer)
}

// PostJSON sends body to the given peer at path, decoding the response into
// out (nil to discard).
func (c *ChannelService) PostJSON(ctx context.Context, peer PeerID, path string, body, out any) error {
	addr, err := c.PeerAddress(peer)
	if err != nil {
		return err
	}
	return c.transport.PostJSON(ctx, addr, path, body, out)
}

// GetJSON fetches path from the given peer, decoding the response into out.
func (c *ChannelService) GetJSON(ctx context.Context, peer PeerID, path string, out any) error {
	addr, err := c.PeerAddress(peer)
	if err != nil {
		return err
	}
	return c.transport.GetJSON(ctx, addr, path, out)
}
