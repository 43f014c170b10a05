// File: transport/polling_client.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client side of the long-polling transport: Send issues POST requests,
// Poll issues GET requests against the session URL.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// PollingClient is the client-side long-polling transport.
type PollingClient struct {
	client     *http.Client
	url        string
	header     http.Header
	maxPayload int64

	sendMu   sync.Mutex // POSTs are serialized to keep frame order
	mu       sync.Mutex
	paused   bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPollingClient binds a polling transport to a session URL that already
// carries the sid and transport query parameters.
func NewPollingClient(client *http.Client, sessionURL string, header http.Header, maxPayload int64) *PollingClient {
	if client == nil {
		client = http.DefaultClient
	}
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollingClient{
		client:     client,
		url:        sessionURL,
		header:     header,
		maxPayload: maxPayload,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *PollingClient) Name() string { return protocol.TransportPolling }

// Send posts frames as one payload.
func (p *PollingClient) Send(frames []protocol.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.inflight.Done()

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.url, bytes.NewReader(protocol.EncodePayload(frames)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := p.do(req)
	if err != nil {
		return p.classify(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: post returned %s", api.ErrIOFailure, resp.Status)
	}
	return nil
}

// Poll issues one GET and returns the frames of its response.
func (p *PollingClient) Poll(ctx context.Context) ([]protocol.Frame, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	reqCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		if ctx.Err() != nil && p.ctx.Err() == nil {
			return nil, ctx.Err()
		}
		return nil, p.classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxPayload+1))
	if err != nil {
		return nil, p.classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll returned %s", api.ErrIOFailure, resp.Status)
	}
	if int64(len(body)) > p.maxPayload {
		return nil, &protocol.DecodeError{Err: protocol.ErrMalformed, Detail: "payload exceeds maximum size"}
	}
	return protocol.DecodePayload(body)
}

// Pause stops issuing new requests and waits for in-flight ones to finish.
// Subsequent Send and Poll calls report api.ErrTransportClosed.
func (p *PollingClient) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.inflight.Wait()
}

// Close cancels in-flight requests.
func (p *PollingClient) Close(reason string) error {
	p.cancel()
	return nil
}

func (p *PollingClient) Done() <-chan struct{} { return p.ctx.Done() }

func (p *PollingClient) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.ctx.Err() != nil {
		return api.ErrTransportClosed
	}
	p.inflight.Add(1)
	return nil
}

func (p *PollingClient) do(req *http.Request) (*http.Response, error) {
	for k, vs := range p.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return p.client.Do(req)
}

func (p *PollingClient) classify(err error) error {
	if p.ctx.Err() != nil {
		return api.ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", api.ErrIOFailure, err)
}
