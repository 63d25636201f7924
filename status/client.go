// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/pharosfund/pharos/backend"
	"github.com/pharosfund/pharos/project"
	"github.com/pharosfund/pharos/store"
)

// DefaultRequestTimeout bounds a single HTTP exchange with a status server.
const DefaultRequestTimeout = 30 * time.Second

// maxResponseBytes bounds how much of a server response is read. A status
// answer for even a large project is well below this.
const maxResponseBytes = 4 << 20

// Client talks to project status servers. It implements
// backend.StatusSource.
type Client struct {
	httpClient *http.Client
}

// Compile-time interface check.
var _ backend.StatusSource = (*Client)(nil)

// NewClient returns a status client using the given HTTP client, or a
// default one bounded by DefaultRequestTimeout when nil.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	return &Client{httpClient: httpClient}
}

// statusURL builds the status endpoint for a project on its own server.
func statusURL(base *url.URL, id chainhash.Hash) string {
	return base.JoinPath("projects", id.String(), "status").String()
}

// submitURL builds the pledge submission endpoint of a project's server.
func submitURL(base *url.URL) string {
	return base.JoinPath("pledges").String()
}

// ProjectStatus fetches the authoritative pledge list and claim state of a
// server-assisted project.
func (c *Client) ProjectStatus(ctx context.Context,
	p *project.Project) (*backend.ServerStatus, error) {

	base := p.ServerURL()
	if base == nil {
		return nil, errors.New("project has no status server")
	}

	endpoint := statusURL(base, p.ID())
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, endpoint, nil,
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("Fetching project status from %s", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp.StatusCode, body)
	}

	var doc StatusDoc
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}

	return decodeStatus(&doc)
}

// SubmitPledge sends a full pledge to the project's status server for
// verification and acceptance.
func (c *Client) SubmitPledge(ctx context.Context, p *project.Project,
	pledge *project.Pledge) error {

	base := p.ServerURL()
	if base == nil {
		return errors.New("project has no status server")
	}
	if pledge.IsScrubbed() {
		return project.ErrScrubbedPledge
	}

	pledgeDoc, err := store.EncodePledge(pledge)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&SubmitDoc{
		ProjectID: p.ID().String(),
		Pledge:    pledgeDoc,
	})
	if err != nil {
		return err
	}

	endpoint := submitURL(base)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	log.Infof("Submitting pledge %s to %s", pledge.Hash(), endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusCreated {

		return serverError(resp.StatusCode, body)
	}

	return nil
}

// decodeStatus converts a wire status into the engine's form.
func decodeStatus(doc *StatusDoc) (*backend.ServerStatus, error) {
	status := &backend.ServerStatus{}

	for _, pledgeDoc := range doc.Pledges {
		p, err := store.DecodePledge(pledgeDoc)
		if err != nil {
			return nil, fmt.Errorf("malformed pledge in status "+
				"response: %w", err)
		}
		status.Pledges = append(status.Pledges, p)
	}

	if doc.ClaimedBy != "" {
		claimedBy, err := chainhash.NewHashFromStr(doc.ClaimedBy)
		if err != nil {
			return nil, fmt.Errorf("malformed claim hash: %w", err)
		}
		status.ClaimedBy = claimedBy
	}

	return status, nil
}

// serverError turns a non-OK response into an error carrying the server's
// message if it sent one.
func serverError(code int, body io.Reader) error {
	var doc errorDoc
	if err := json.NewDecoder(body).Decode(&doc); err == nil &&
		doc.Error != "" {

		return fmt.Errorf("server rejected request (%d): %s", code,
			doc.Error)
	}

	return fmt.Errorf("server returned status %d", code)
}
