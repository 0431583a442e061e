package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"raft-election/internal/election"
	"raft-election/internal/metrics"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Status() election.Status {
	args := m.Called()
	return args.Get(0).(election.Status)
}

func (m *mockNode) InjectStall(d time.Duration) {
	m.Called(d)
}

func TestServer_Status(t *testing.T) {
	node := &mockNode{}
	node.On("Status").Return(election.Status{Name: "Node2", Term: 4, Role: election.Leader, Leader: "Node2"})
	s := NewServer(node, nil, 3, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Node2", body["name"])
	assert.Equal(t, "LEADER", body["role"])
	assert.EqualValues(t, 4, body["term"])
	node.AssertExpectations(t)
}

func TestServer_Metrics(t *testing.T) {
	t.Run("report", func(t *testing.T) {
		m := metrics.NewMetrics()
		m.RecordElectionStarted()
		m.RecordElectionWon(20 * time.Millisecond)
		s := NewServer(&mockNode{}, m, 5, nil)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var report metrics.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, 5, report.ClusterSize)
		assert.Equal(t, uint64(1), report.ElectionsStarted)
		assert.Equal(t, uint64(1), report.ElectionsWon)
	})

	t.Run("disabled", func(t *testing.T) {
		s := NewServer(&mockNode{}, nil, 5, nil)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_Stall(t *testing.T) {
	t.Run("injects the requested stall", func(t *testing.T) {
		node := &mockNode{}
		node.On("InjectStall", 3*time.Second).Return().Once()
		s := NewServer(node, nil, 3, nil)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stall?duration=3s", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		node.AssertExpectations(t)
	})

	t.Run("rejects a bad duration", func(t *testing.T) {
		node := &mockNode{}
		s := NewServer(node, nil, 3, nil)

		for _, q := range []string{"soon", "-1s", "0s"} {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stall?duration="+q, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
		node.AssertNotCalled(t, "InjectStall", mock.Anything)
	})

	t.Run("wrong method", func(t *testing.T) {
		s := NewServer(&mockNode{}, nil, 3, nil)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stall?duration=1s", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_Serve(t *testing.T) {
	node := &mockNode{}
	node.On("Status").Return(election.Status{Name: "Node0"})
	s := NewServer(node, nil, 1, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
