package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/types"
)

type fakeProbeSource struct {
	snapshots map[string]types.ProbeSnapshot
}

func (f *fakeProbeSource) Services() []string {
	names := make([]string, 0, len(f.snapshots))
	for name := range f.snapshots {
		names = append(names, name)
	}
	return names
}

func (f *fakeProbeSource) Probe(service string) (types.ProbeSnapshot, error) {
	snap, ok := f.snapshots[service]
	if !ok {
		return types.ProbeSnapshot{}, assert.AnError
	}
	return snap, nil
}

func TestStatusHandlerReturnsEverySnapshot(t *testing.T) {
	source := &fakeProbeSource{snapshots: map[string]types.ProbeSnapshot{
		"fake-ssh": {Service: "fake-ssh", Ready: 2, Target: 2},
	}}
	server := NewStatusServer(source)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Services, 1)
	assert.Equal(t, "fake-ssh", resp.Services[0].Service)
}

func TestStatusHandlerRejectsNonGet(t *testing.T) {
	server := NewStatusServer(&fakeProbeSource{snapshots: map[string]types.ProbeSnapshot{}})

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
