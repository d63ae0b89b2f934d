package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n" +
	"m=video 40002 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n"

func TestOfferStripsVideoAndRoundTrips(t *testing.T) {
	var captured rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp := rpcResponse{Result: "ok", SDP: captured.SDP}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	out, err := c.Offer(context.Background(), "call1@gw", ProfileOutboundOffer, []byte(testSDP))
	require.NoError(t, err)

	assert.NotContains(t, captured.SDP, "m=video")
	assert.NotContains(t, string(out), "m=video")
	assert.Contains(t, captured.SDP, "m=audio")
}

func TestOfferConveysDirectionSpecificProfileDirectives(t *testing.T) {
	var captured rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: "ok", SDP: captured.SDP})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Offer(context.Background(), "call1@gw", ProfileOutboundOffer, []byte(testSDP))
	require.NoError(t, err)

	require.NotNil(t, captured.Profile)
	assert.Equal(t, "RTP/AVP", captured.Profile.Transport)
	assert.Equal(t, "remove", captured.Profile.ICE)

	_, err = c.Offer(context.Background(), "call2@gw", ProfileInboundOffer, []byte(testSDP))
	require.NoError(t, err)

	require.NotNil(t, captured.Profile)
	assert.Equal(t, "UDP/TLS/RTP/SAVPF", captured.Profile.Transport)
	assert.Equal(t, "force", captured.Profile.ICE)
	assert.Equal(t, "passive", captured.Profile.DTLS)
}

func TestAnswerMinimalProfileCarriesNoDirectives(t *testing.T) {
	var captured rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: "ok", SDP: captured.SDP})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Answer(context.Background(), "call1@gw", ProfileInboundAnswerMinimal, []byte(testSDP))
	require.NoError(t, err)

	assert.Nil(t, captured.Profile)
}

func TestPingRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	c.retry.InitialDelay = 1_000_000 // 1ms, keep the test fast
	err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestDeleteSurfacesRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: "error", Error: "unknown call-id"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.Delete(context.Background(), "ghost@gw")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown call-id")
}
