package race

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// CertAuthority is an in-memory root CA that issues short-lived peer
// certificates for mutual TLS between Runtimes, so raceremote.Connector
// can run with Config.TLSConfig set instead of plaintext TCP. Unlike a
// cluster-wide CA, it holds no persisted state: each process that wants
// a trust relationship with another exchanges root certificates out of
// band (e.g. via the secrets store) and calls TrustRoot.
type CertAuthority struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	trusted  *x509.CertPool
}

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	peerCertValidity = 90 * 24 * time.Hour
	rootKeySize = 4096
	peerKeySize = 2048
)

// NewCertAuthority generates a fresh root CA.
func NewCertAuthority() (*CertAuthority, error) {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("race: failed to generate CA root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("race: failed to generate CA serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"RACE Runtime"},
			CommonName:   "RACE Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("race: failed to create CA certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("race: failed to parse CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &CertAuthority{rootCert: rootCert, rootKey: rootKey, trusted: pool}, nil
}

// RootCertDER returns the DER-encoded root certificate, for exchanging
// trust with a peer Runtime out of band.
func (ca *CertAuthority) RootCertDER() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert.Raw
}

// TrustRoot adds a peer Runtime's DER-encoded root certificate to the
// pool this CertAuthority's TLS configs verify peers against.
func (ca *CertAuthority) TrustRoot(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("race: invalid peer root certificate: %w", err)
	}
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.trusted.AddCert(cert)
	return nil
}

// IssuePeerCertificate issues a certificate for uri (this Runtime's own
// URI, used as CommonName) good for dnsNames and ipAddresses.
func (ca *CertAuthority) IssuePeerCertificate(uri string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	peerKey, err := rsa.GenerateKey(rand.Reader, peerKeySize)
	if err != nil {
		return nil, fmt.Errorf("race: failed to generate peer key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("race: failed to generate peer serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"RACE Runtime"}, CommonName: uri},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(peerCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &peerKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("race: failed to issue peer certificate: %w", err)
	}
	peerCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: peerKey, Leaf: peerCert}, nil
}

// MutualTLSConfig builds a *tls.Config presenting cert and requiring the
// peer to present a certificate chaining to the CertAuthority's trusted
// pool — suitable for raceremote.Config.TLSConfig on both the listening
// and dialing sides, since raceremote.Connector treats inbound and
// outbound connections symmetrically.
func (ca *CertAuthority) MutualTLSConfig(cert *tls.Certificate) *tls.Config {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.trusted,
		RootCAs:      ca.trusted,
		MinVersion:   tls.VersionTLS12,
	}
}
