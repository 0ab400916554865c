package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// loadServerTLSConfig builds the TLS config a serving node presents to
// publishers/subscribers. Both cert and key are required: leaving both
// empty is an error, as is a pair that fails to load.
func loadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, fmt.Errorf("--cert and --key are required to serve")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// loadClientTLSConfig builds the TLS config used when this node dials an
// upstream next hop. An empty rootStoreFile means "trust the system root
// pool", matching Go's default tls.Config behavior.
func loadClientTLSConfig(rootStoreFile string) (*tls.Config, error) {
	if rootStoreFile == "" {
		return &tls.Config{}, nil
	}
	pem, err := os.ReadFile(rootStoreFile)
	if err != nil {
		return nil, fmt.Errorf("read root store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("root store %s contains no usable certificates", rootStoreFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}
