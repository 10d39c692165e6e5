// Package redisstub runs a small in-process RESP2 server that understands the
// commands relayd issues: string GET/SET/DEL for the session store and
// XADD/XLEN/XRANGE for the event stream.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string][]streamEntry
	kv       map[string]string
	seq      int64
	closed   chan struct{}
	certPEM  []byte
}

type streamEntry struct {
	id     string
	fields []string
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		streams: make(map[string][]streamEntry),
		kv:      make(map[string]string),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Get returns the string stored at key.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.kv[key]
	return value, ok
}

// Set stores value at key as if a client had issued SET.
func (s *Server) Set(key, value string) {
	s.mu.Lock()
	s.kv[key] = value
	s.mu.Unlock()
}

// StreamFields returns the field/value pairs of every entry in stream.
func (s *Server) StreamFields(stream string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[stream]
	out := make([]map[string]string, 0, len(entries))
	for _, entry := range entries {
		values := make(map[string]string, len(entry.fields)/2)
		for i := 0; i+1 < len(entry.fields); i += 2 {
			values[entry.fields[i]] = entry.fields[i+1]
		}
		out = append(out, values)
	}
	return out
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "HELLO", "CLIENT":
			// RESP3 negotiation and client metadata are not supported; the
			// client falls back to RESP2 on an error reply.
			werr = writeError(writer, "ERR unknown command '"+args[0]+"'")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'set'")
		}
		s.Set(args[1], args[2])
		return writeSimpleString(writer, "OK")
	case "DEL":
		s.mu.Lock()
		var removed int64
		for _, key := range args[1:] {
			if _, ok := s.kv[key]; ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := len(s.streams[args[1]])
		s.mu.Unlock()
		return writeInteger(writer, int64(n))
	case "XRANGE":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xrange'")
		}
		s.mu.Lock()
		entries := append([]streamEntry(nil), s.streams[args[1]]...)
		s.mu.Unlock()
		records := make([]interface{}, 0, len(entries))
		for _, entry := range entries {
			fields := make([]interface{}, 0, len(entry.fields))
			for _, f := range entry.fields {
				fields = append(fields, f)
			}
			records = append(records, []interface{}{entry.id, fields})
		}
		return writeArray(writer, records)
	default:
		return writeError(writer, "ERR unsupported command '"+args[0]+"'")
	}
}

// handleXAdd accepts XADD key [NOMKSTREAM] [MAXLEN|MINID [=|~] threshold
// [LIMIT n]] *|id field value [field value ...].
func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	maxLen := -1
	i := 2
	for i < len(args) {
		token := strings.ToUpper(args[i])
		switch token {
		case "NOMKSTREAM":
			i++
			continue
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			if token == "MAXLEN" {
				n, err := strconv.Atoi(args[i])
				if err != nil {
					return writeError(writer, "ERR value is not an integer or out of range")
				}
				maxLen = n
			}
			i++
			continue
		case "LIMIT":
			i += 2
			continue
		}
		break
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 || len(args)-i-1 == 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	id := args[i]
	fields := append([]string(nil), args[i+1:]...)

	s.mu.Lock()
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	entries := append(s.streams[stream], streamEntry{id: id, fields: fields})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.streams[stream] = entries
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
