package serverutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRun(t *testing.T, cfg Config) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan net.Addr, 1)
	cfg.Ready = ready
	cfg.Logger = quietLogger()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	select {
	case addr := <-ready:
		return addr, cancel, done
	case err := <-done:
		t.Fatalf("run returned before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil, nil
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServesAndShutsDownGracefully(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}

	addr, cancel, done := startRun(t, Config{Server: server, ShutdownTimeout: time.Second})

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if server.ReadHeaderTimeout != DefaultReadHeaderTimeout {
		t.Fatalf("expected default read header timeout, got %s", server.ReadHeaderTimeout)
	}

	cancel()
	waitDone(t, done)
}

func TestRunWaitsForInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	addr, cancel, done := startRun(t, Config{Server: server, ShutdownTimeout: 5 * time.Second})

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + addr.String() + "/slow")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-started
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if got := <-status; got != http.StatusOK {
		t.Fatalf("expected in-flight request to finish with 200, got %d", got)
	}
	waitDone(t, done)
}

func TestRunUsesProvidedListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: http.NewServeMux()}
	addr, cancel, done := startRun(t, Config{Server: server, Listener: listener})
	if addr.String() != listener.Addr().String() {
		t.Fatalf("expected %s, got %s", listener.Addr(), addr)
	}
	cancel()
	waitDone(t, done)
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	addr, cancel, done := startRun(t, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	conn.Close()

	cancel()
	waitDone(t, done)
}

func TestRunRejectsHalfTLSConfig(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	err := Run(context.Background(), Config{Server: server, TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}
	ready := make(chan net.Addr, 1)
	err = Run(context.Background(), Config{Server: server, Ready: ready, Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected startup error")
	}
	select {
	case <-ready:
		t.Fatal("server unexpectedly signalled readiness")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
