package monitorrpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/pgautofailover/pkg/config"
)

// Dial opens a connection to the monitor at addr, using the [ssl]
// section of cfg to decide between plaintext and TLS, and defaulting
// every call on the connection to this package's JSON codec.
func Dial(addr string, cfg *config.Config) (*grpc.ClientConn, error) {
	creds, err := transportCreds(cfg)
	if err != nil {
		return nil, fmt.Errorf("monitorrpc: dial %s: %w", addr, err)
	}
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

func transportCreds(cfg *config.Config) (credentials.TransportCredentials, error) {
	if cfg == nil || !cfg.SSL.Active {
		return insecure.NewCredentials(), nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.SSL.Cert != "" && cfg.SSL.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSL.Cert, cfg.SSL.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.SSL.CAFile != "" {
		pem, err := os.ReadFile(cfg.SSL.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.SSL.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.SSL.SSLMode == "require" || cfg.SSL.SSLMode == "" {
		tlsConfig.InsecureSkipVerify = cfg.SSL.SSLMode == "require" && cfg.SSL.CAFile == ""
	}

	return credentials.NewTLS(tlsConfig), nil
}

// NewServerOptions returns the grpc.ServerOption set the monitor binds
// with, deriving TLS server credentials from the same [ssl] section
// when active.
func NewServerOptions(cfg *config.Config) ([]grpc.ServerOption, error) {
	if cfg == nil || !cfg.SSL.Active {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.SSL.Cert, cfg.SSL.Key)
	if err != nil {
		return nil, fmt.Errorf("monitorrpc: load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tlsConfig))}, nil
}
