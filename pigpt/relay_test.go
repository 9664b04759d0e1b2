package pigpt

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRelay(t *testing.T, responder Responder) *Relay {
	t.Helper()
	cfg := DefaultConfig().Relay
	cfg.Listen = "127.0.0.1:0"
	relay, err := newRelay(cfg, responder, NewMetrics(), nil)
	require.NoError(t, err)
	return relay
}

func handleTestRequest(
	t *testing.T,
	handler http.Handler,
	method string,
	path string,
	contentType string,
	body string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader = http.NoBody
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reqBody)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func processBody(t *testing.T, req ProcessRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return string(data)
}

func TestRelay_Process(t *testing.T) {
	responder := &recordingResponder{reply: "Hi alice!"}
	relay := newTestRelay(t, responder)

	w := handleTestRequest(
		t,
		relay.Handler(),
		http.MethodPost,
		relayPathProcess,
		"application/json; charset=utf-8",
		processBody(
			t,
			ProcessRequest{Username: "alice", MessageInput: "hello", InputType: InputTypeText},
		),
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reply string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "Hi alice!", reply)
	assert.JSONEq(t, `"Hi alice!"`, w.Body.String())
	assert.Equal(t, []respondCall{{User: "alice", Text: "hello"}}, responder.Calls())
	assert.Len(t, w.Header().Get(xRequestIDHeader), 26)
}

func TestRelay_ProcessBadRequest(t *testing.T) {
	testCases := []struct {
		name        string
		contentType string
		body        string
	}{
		{
			name:        "wrong content type",
			contentType: "text/plain",
			body:        `{"username":"alice","message_input":"hello","input_type":"text"}`,
		},
		{
			name:        "missing content type",
			contentType: "",
			body:        `{"username":"alice","message_input":"hello","input_type":"text"}`,
		},
		{
			name:        "malformed json",
			contentType: "application/json",
			body:        `{"username":`,
		},
		{
			name:        "missing username",
			contentType: "application/json",
			body:        `{"message_input":"hello","input_type":"text"}`,
		},
		{
			name:        "missing message",
			contentType: "application/json",
			body:        `{"username":"alice","input_type":"text"}`,
		},
		{
			name:        "missing input type",
			contentType: "application/json",
			body:        `{"username":"alice","message_input":"hello"}`,
		},
		{
			name:        "unsupported input type",
			contentType: "application/json",
			body:        `{"username":"alice","message_input":"hello","input_type":"audio"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				responder := &recordingResponder{reply: "Hi!"}
				relay := newTestRelay(t, responder)

				w := handleTestRequest(
					t,
					relay.Handler(),
					http.MethodPost,
					relayPathProcess,
					tc.contentType,
					tc.body,
				)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.JSONEq(t, `{"error":"Bad request"}`, w.Body.String())
				assert.Empty(t, responder.Calls())
			},
		)
	}
}

func TestRelay_ProcessErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		status   int
		expected string
	}{
		{
			name:     "busy",
			err:      ErrUserBusy,
			status:   http.StatusConflict,
			expected: `{"error":"User busy"}`,
		},
		{
			name:     "completion error",
			err:      &CompletionError{Err: errors.New("quota exceeded")},
			status:   http.StatusInternalServerError,
			expected: `{"error":"Server error"}`,
		},
		{
			name:     "storage error",
			err:      storageError("load_history", "alice", errors.New("disk full")),
			status:   http.StatusInternalServerError,
			expected: `{"error":"Server error"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				relay := newTestRelay(t, &recordingResponder{err: tc.err})
				w := handleTestRequest(
					t,
					relay.Handler(),
					http.MethodPost,
					relayPathProcess,
					"application/json",
					`{"username":"alice","message_input":"hello","input_type":"text"}`,
				)
				assert.Equal(t, tc.status, w.Code)
				assert.JSONEq(t, tc.expected, w.Body.String())
				assert.NotContains(t, w.Body.String(), tc.err.Error())
			},
		)
	}
}

func TestRelay_ProcessTimeout(t *testing.T) {
	responder := responderFunc(
		func(ctx context.Context, user string, text string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	)
	relay := newTestRelay(t, responder)
	relay.config.RequestTimeout = 20 * time.Millisecond

	w := handleTestRequest(
		t,
		relay.Handler(),
		http.MethodPost,
		relayPathProcess,
		"application/json",
		`{"username":"alice","message_input":"hello","input_type":"text"}`,
	)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRelay_HealthCheck(t *testing.T) {
	relay := newTestRelay(t, &recordingResponder{})
	relay.workers = func() int { return 3 }

	w := handleTestRequest(t, relay.Handler(), http.MethodGet, relayPathHealthCheck, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","workers":3}`, w.Body.String())
}

func TestRelay_Metrics(t *testing.T) {
	relay := newTestRelay(t, &recordingResponder{err: ErrUserBusy})

	_ = handleTestRequest(
		t,
		relay.Handler(),
		http.MethodPost,
		relayPathProcess,
		"application/json",
		`{"username":"alice","message_input":"hello","input_type":"text"}`,
	)

	w := handleTestRequest(t, relay.Handler(), http.MethodGet, relayPathMetrics, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `pigpt_relay_requests_total{code="409"} 1`)
}

func TestRelay_CORS(t *testing.T) {
	cfg := DefaultConfig().Relay
	cfg.CORS.AllowOrigins = []string{"https://example.com"}
	relay, err := newRelay(cfg, &recordingResponder{reply: "Hi!"}, nil, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodOptions, relayPathProcess, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	relay.Handler().ServeHTTP(w, req)

	assert.Less(t, w.Code, 300)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// metrics aren't served without a registry
	w = handleTestRequest(t, relay.Handler(), http.MethodGet, relayPathMetrics, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRelay_Serve(t *testing.T) {
	relay := newTestRelay(t, &recordingResponder{reply: "Hi!"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		errs <- relay.Serve(ctx)
	}()
	require.Eventually(
		t,
		func() bool { return relay.Addr() != nil },
		time.Second,
		time.Millisecond,
	)

	resp, err := http.Post(
		"http://"+relay.Addr().String()+relayPathProcess,
		"application/json",
		bytes.NewBufferString(`{"username":"alice","message_input":"hello","input_type":"text"}`),
	)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"Hi!"`, string(body))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, relay.Shutdown(shutdownCtx))
	assert.ErrorIs(t, <-errs, http.ErrServerClosed)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.GET(
		"/test", func(c *gin.Context) {
			requestID, exists := c.Get(xRequestIDHeader)
			assert.True(t, exists, "Request ID should exist in context")
			assert.IsType(t, "", requestID)
			c.String(http.StatusOK, "test")
		},
	)

	previousID := ""
	for i := 0; i < 10; i++ {
		w := handleTestRequest(t, r, http.MethodGet, "/test", "", "")
		assert.Equal(t, http.StatusOK, w.Code)

		requestID := w.Header().Get(xRequestIDHeader)
		assert.Len(t, requestID, 26, "Request ID should be a ULID")
		assert.NotEqual(t, previousID, requestID, "Request IDs should be unique")
		previousID = requestID
	}
}

func TestGinContextLogger_ExistingLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/test?x=1", http.NoBody)

	logger := ginContextLogger(c)
	assert.NotNil(t, logger)
	assert.Same(t, logger, ginContextLogger(c))
}

// generateSelfSignedCert writes a self-signed cert/key pair for 127.0.0.1
// to the given paths, returning the parsed certificate
func generateSelfSignedCert(t *testing.T, certFile string, keyFile string) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	certTemplate := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"pigpt"}},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	require.NoError(t, err)

	privBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	require.NoError(
		t,
		os.WriteFile(
			certFile,
			pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}),
			0o600,
		),
	)
	require.NoError(
		t,
		os.WriteFile(
			keyFile,
			pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}),
			0o600,
		),
	)

	cert, err := x509.ParseCertificate(derBytes)
	require.NoError(t, err)
	return cert
}

func TestRelay_ServeTLS(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")
	cert := generateSelfSignedCert(t, certFile, keyFile)

	cfg := DefaultConfig().Relay
	cfg.Listen = "127.0.0.1:0"
	cfg.SSL.Cert = certFile
	cfg.SSL.Key = keyFile
	cfg.SSL.TLSMinVersion = tls.VersionTLS12
	relay, err := newRelay(cfg, &recordingResponder{reply: "Hi!"}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		errs <- relay.Serve(ctx)
	}()
	require.Eventually(
		t,
		func() bool { return relay.Addr() != nil },
		time.Second,
		time.Millisecond,
	)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	client := NewRelayClient(
		"https://"+relay.Addr().String()+relayPathProcess,
		&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
			Timeout:   5 * time.Second,
		},
		nil,
	)
	reply, err := client.Respond(ctx, "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, relay.Shutdown(shutdownCtx))
	assert.ErrorIs(t, <-errs, http.ErrServerClosed)
}

func TestRelay_InvalidCerts(t *testing.T) {
	cfg := DefaultConfig().Relay
	cfg.SSL.Cert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.SSL.Key = filepath.Join(t.TempDir(), "missing-key.pem")
	_, err := newRelay(cfg, &recordingResponder{}, nil, nil)
	assert.Error(t, err)
}
