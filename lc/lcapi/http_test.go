package lcapi_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/keel-engine/keel/lc/lcapi"
	"github.com/keel-engine/keel/lc/lcengine"
	"github.com/keel-engine/keel/lc/lcstore"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, consensus *lcengine.Consensus) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := lcapi.NewHTTPServer(ctx, slogt.New(t), lcapi.HTTPServerConfig{
		Listener:        ln,
		Consensus:       consensus,
		CurrentRound:    func() *lcengine.Round { return nil },
		MetricsGatherer: prometheus.NewRegistry(),
	})
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})

	return "http://" + ln.Addr().String()
}

func newConsensus(t *testing.T) *lcengine.Consensus {
	t.Helper()
	return lcengine.NewConsensus(slogt.New(t), lcstore.NewMemProposalStore(), lcengine.TypeBuiltin)
}

func TestHTTP_ConsensusInfo(t *testing.T) {
	t.Parallel()

	consensus := newConsensus(t)
	base := startServer(t, consensus)

	resp, err := http.Get(base + "/consensus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, "builtin", info["type"])

	// No running round: no round section.
	require.NotContains(t, info, "round")
}

func TestHTTP_SetConsensusType(t *testing.T) {
	t.Parallel()

	consensus := newConsensus(t)
	base := startServer(t, consensus)

	resp, err := http.Post(
		base+"/consensus/type",
		"application/json",
		strings.NewReader(`{"type":"external_arbiter"}`),
	)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, lcengine.TypeExternalArbiter, consensus.Type())
}

func TestHTTP_SetConsensusType_Invalid(t *testing.T) {
	t.Parallel()

	consensus := newConsensus(t)
	base := startServer(t, consensus)

	resp, err := http.Post(
		base+"/consensus/type",
		"application/json",
		strings.NewReader(`{"type":"quantum"}`),
	)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, lcengine.TypeBuiltin, consensus.Type())
}

func TestHTTP_Metrics(t *testing.T) {
	t.Parallel()

	consensus := newConsensus(t)
	base := startServer(t, consensus)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
