package tunneld

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type testCertificate struct {
	cert    *x509.Certificate
	tlsCert tls.Certificate
}

// pool returns a cert pool trusting only c.
func (c *testCertificate) pool() *x509.CertPool {
	cp := x509.NewCertPool()
	cp.AddCert(c.cert)
	return cp
}

// generateTestCertificate creates a self-signed certificate valid for 127.0.0.1.
func generateTestCertificate(t *testing.T) *testCertificate {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "Test CA",
		},
		Issuer: pkix.Name{
			Organization: []string{"Test Issuer Org"},
			CommonName:   "Test Issuer CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(derBytes)
	require.NoError(t, err)

	return &testCertificate{
		cert: cert,
		tlsCert: tls.Certificate{
			Certificate: [][]byte{derBytes},
			PrivateKey:  privateKey,
		},
	}
}

// testAnswer replies to msg with a single A record.
func testAnswer(msg *dns.Msg) *dns.Msg {
	answer := new(dns.Msg)
	answer.SetReply(msg)
	if len(msg.Question) > 0 && msg.Question[0].Qtype == dns.TypeA {
		answer.Answer = append(answer.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   msg.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    300,
			},
			A: net.ParseIP("192.0.2.1"),
		})
	}
	return answer
}

func testQuery() *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion("verify.example.com.", dns.TypeA)
	msg.RecursionDesired = true
	return msg
}
