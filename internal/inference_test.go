package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sidecarCall struct {
	image  []byte
	origin string
}

type fakeSidecar struct {
	*httptest.Server

	status   int
	calls    []sidecarCall
	release  chan struct{}
	verifier RequestVerifier
	mu       sync.Mutex
}

func newFakeSidecar(t *testing.T, status int, verifier RequestVerifier) *fakeSidecar {
	s := &fakeSidecar{status: status, verifier: verifier}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.release != nil {
			<-s.release
		}

		req := inferenceRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		call := sidecarCall{image: image}
		if s.verifier != nil {
			call.origin = s.verifier(r)
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"status":"GREEN"}`))
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *fakeSidecar) getCalls() []sidecarCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sidecarCall(nil), s.calls...)
}

func TestInferenceClient_Forward(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sidecar := newFakeSidecar(t, http.StatusOK, NewRequestVerifier(publicKey))
	client := NewInferenceClient(context.Background(), testLogger(), sidecar.URL, time.Second, 2, NewRequestSigner(privateKey, "relay-1"))

	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	client.Forward(frame)
	client.Wait()

	calls := sidecar.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, frame, calls[0].image)
	assert.Equal(t, "relay-1", calls[0].origin)
	assert.Equal(t, InferenceStats{Sent: 1}, client.Stats())
}

func TestInferenceClient_FailuresAreSwallowed(t *testing.T) {
	sidecar := newFakeSidecar(t, http.StatusInternalServerError, nil)
	client := NewInferenceClient(context.Background(), testLogger(), sidecar.URL, time.Second, 1, nil)

	require.NotPanics(t, func() {
		client.Forward([]byte("frame"))
		client.Wait()
	})
	assert.Equal(t, InferenceStats{Failed: 1}, client.Stats())

	// nothing listening
	down := NewInferenceClient(context.Background(), testLogger(), "http://127.0.0.1:1/process_frame", time.Second, 1, nil)
	down.Forward([]byte("frame"))
	down.Wait()
	assert.Equal(t, InferenceStats{Failed: 1}, down.Stats())
}

func TestInferenceClient_DoesNotBlock(t *testing.T) {
	sidecar := newFakeSidecar(t, http.StatusOK, nil)
	sidecar.release = make(chan struct{})

	client := NewInferenceClient(context.Background(), testLogger(), sidecar.URL, 5*time.Second, 1, nil)

	done := make(chan struct{})
	go func() {
		client.Forward([]byte("first"))
		client.Forward([]byte("second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward blocked on a stalled sidecar")
	}

	close(sidecar.release)
	client.Wait()

	assert.Equal(t, InferenceStats{Sent: 1, Skipped: 1}, client.Stats())
	require.Len(t, sidecar.getCalls(), 1)
	assert.Equal(t, []byte("first"), sidecar.getCalls()[0].image)
}

func TestInferenceClient_SkipsWarnOnce(t *testing.T) {
	sidecar := newFakeSidecar(t, http.StatusOK, nil)
	sidecar.release = make(chan struct{})

	logs := &logBuffer{}
	client := NewInferenceClient(context.Background(), warnLogger(logs), sidecar.URL, 5*time.Second, 1, nil)

	for i := 0; i < 4; i++ {
		client.Forward([]byte("frame"))
	}

	close(sidecar.release)
	client.Wait()

	assert.Equal(t, int64(3), client.Stats().Skipped)
	assert.Equal(t, 1, strings.Count(logs.String(), "frames skipped"))
	assert.Contains(t, logs.String(), "skipped=1")
}

func TestInferenceClient_Timeout(t *testing.T) {
	sidecar := newFakeSidecar(t, http.StatusOK, nil)
	sidecar.release = make(chan struct{})
	defer close(sidecar.release)

	client := NewInferenceClient(context.Background(), testLogger(), sidecar.URL, 50*time.Millisecond, 1, nil)
	client.Forward([]byte("frame"))
	client.Wait()

	assert.Equal(t, InferenceStats{Failed: 1}, client.Stats())
}
