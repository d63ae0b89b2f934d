// Package relayclient talks to the external media-relay daemon (spec
// §4.E): a small JSON/HTTP control-plane client with Ping/Offer/Answer/
// Update/Delete operations, bounded retries, and SDP shaping via
// pion/sdp/v3. Grounded on the teacher's pkg/dialog/retry.go for the
// retry shape and pkg/media_with_sdp/session.go for SDP handling; the
// teacher has no HTTP control-plane client of its own (sipgo owns its
// transport), so the request/response envelope here follows the
// call-api-style RPC verbs spec §4.E names directly.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the relay control-plane RPC client.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryConfig
	log     *logrus.Entry
}

// New builds a client against the relay daemon at baseURL
// (RTPENGINE_HOST:RTPENGINE_PORT per spec §6).
func New(baseURL string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.WithField("component", "relayclient")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Second},
		retry:   DefaultRetryConfig(),
		log:     log,
	}
}

type rpcRequest struct {
	Op      string      `json:"op"`
	CallID  string      `json:"call_id,omitempty"`
	SDP     string      `json:"sdp,omitempty"`
	Profile *directives `json:"profile,omitempty"`
}

type rpcResponse struct {
	Result string `json:"result"`
	SDP    string `json:"sdp,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, req rpcRequest) (rpcResponse, error) {
	var out rpcResponse
	err := withRetry(ctx, c.retry, c.log, req.Op, func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("relayclient: encoding request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/control", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("relayclient: building request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("relayclient: reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{Code: resp.StatusCode, Body: string(respBody)}
		}

		var decoded rpcResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return fmt.Errorf("relayclient: decoding response: %w", err)
		}
		if decoded.Result == "error" {
			return fmt.Errorf("relayclient: relay rejected %s: %s", req.Op, decoded.Error)
		}
		out = decoded
		return nil
	})
	return out, err
}

// Ping checks relay liveness. The /health endpoint does not call it.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, rpcRequest{Op: "ping"})
	return err
}

// Offer submits a new call's offer SDP and returns the relay's own offer
// to hand to the other leg. The profile's directives travel alongside the
// SDP so the daemon applies the transport/ICE/DTLS/rtcp-mux shaping spec
// §4.E's profile table names, not just whatever a local Marshal preserved.
func (c *Client) Offer(ctx context.Context, callID string, profile Profile, offerSDP []byte) ([]byte, error) {
	shaped, err := shapeSDP(profile, offerSDP)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, rpcRequest{Op: "offer", CallID: callID, SDP: string(shaped), Profile: profilePointer(profile)})
	if err != nil {
		return nil, err
	}
	return []byte(resp.SDP), nil
}

// Answer submits the remote leg's answer SDP for an in-progress offer.
// ProfileInboundAnswerMinimal deliberately carries no Profile field: spec
// §4.E says that phase's payload is minimal and the daemon reuses the
// offer phase's own parameters.
func (c *Client) Answer(ctx context.Context, callID string, profile Profile, answerSDP []byte) ([]byte, error) {
	shaped, err := shapeSDP(profile, answerSDP)
	if err != nil {
		return nil, err
	}
	req := rpcRequest{Op: "answer", CallID: callID, SDP: string(shaped)}
	if profile != ProfileInboundAnswerMinimal {
		req.Profile = profilePointer(profile)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return []byte(resp.SDP), nil
}

// Update renegotiates an existing call's session (re-INVITE/hold), per
// the gateway's resolution of re-INVITE handling to the relay's update
// verb rather than a second offer/answer round (see DESIGN.md OQ-1).
// mirrorOf names the dialog's original direction (ProfileOutboundOffer or
// ProfileInboundOffer) so the re-INVITE's transport and ICE directives
// mirror it, per spec §4.E's re-INVITE-offer row.
func (c *Client) Update(ctx context.Context, callID string, mirrorOf Profile, sdp []byte) ([]byte, error) {
	shaped, err := shapeSDP(ProfileReInvite, sdp)
	if err != nil {
		return nil, err
	}
	d := mirrorDirectives(mirrorOf)
	resp, err := c.do(ctx, rpcRequest{Op: "update", CallID: callID, SDP: string(shaped), Profile: &d})
	if err != nil {
		return nil, err
	}
	return []byte(resp.SDP), nil
}

func profilePointer(profile Profile) *directives {
	d := profileDirectives(profile)
	return &d
}

// Delete tears down the relay's session for callID. An error the relay
// reports (an unknown or already-deleted call-id included) is returned.
func (c *Client) Delete(ctx context.Context, callID string) error {
	_, err := c.do(ctx, rpcRequest{Op: "delete", CallID: callID})
	return err
}

func shapeSDP(profile Profile, raw []byte) ([]byte, error) {
	sd, err := ParseSDP(raw)
	if err != nil {
		return nil, err
	}
	sd = ApplyProfile(profile, sd)
	return Marshal(sd)
}
