package certchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCert(t *testing.T, cn string, isCA bool, notBefore, notAfter time.Time, parent *testCA) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	parentTmpl := tmpl
	parentKey := key
	if parent != nil {
		parentTmpl = parent.cert
		parentKey = parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentTmpl, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return &testCA{cert: cert, key: key}
}

func newTestChain(t *testing.T, now time.Time) (root, intermediate, leaf *testCA) {
	t.Helper()
	root = newTestCert(t, "Test Root CA", true, now.Add(-time.Hour), now.Add(24*time.Hour), nil)
	intermediate = newTestCert(t, "Test Intermediate CA", true, now.Add(-time.Hour), now.Add(24*time.Hour), root)
	leaf = newTestCert(t, "Test Leaf", false, now.Add(-time.Hour), now.Add(24*time.Hour), intermediate)
	return root, intermediate, leaf
}

func TestVerify_ValidChain(t *testing.T) {
	now := time.Now()
	root, intermediate, leaf := newTestChain(t, now)

	v := NewValidator([]*x509.Certificate{root.cert}, zap.NewNop())

	chain := []*x509.Certificate{leaf.cert, intermediate.cert, root.cert}
	if err := v.Verify(chain, now); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
}

func TestVerify_UntrustedRoot(t *testing.T) {
	now := time.Now()
	_, intermediate, leaf := newTestChain(t, now)
	otherRoot := newTestCert(t, "Other Root CA", true, now.Add(-time.Hour), now.Add(24*time.Hour), nil)

	v := NewValidator([]*x509.Certificate{otherRoot.cert}, zap.NewNop())

	chain := []*x509.Certificate{leaf.cert, intermediate.cert}
	err := v.Verify(chain, now)
	if !errors.Is(err, ErrNoTrustedRoot) {
		t.Fatalf("want ErrNoTrustedRoot, got %v", err)
	}
}

func TestVerify_ExpiredLeaf(t *testing.T) {
	now := time.Now()
	root := newTestCert(t, "Test Root CA", true, now.Add(-48*time.Hour), now.Add(24*time.Hour), nil)
	leaf := newTestCert(t, "Expired Leaf", false, now.Add(-48*time.Hour), now.Add(-24*time.Hour), root)

	v := NewValidator([]*x509.Certificate{root.cert}, zap.NewNop())

	err := v.Verify([]*x509.Certificate{leaf.cert}, now)
	if err == nil {
		t.Fatalf("expired leaf accepted")
	}
}

func TestVerify_BrokenLinkage(t *testing.T) {
	now := time.Now()
	root, _, leaf := newTestChain(t, now)
	// Лист подписан промежуточным, но его в цепочке нет.
	unrelated := newTestCert(t, "Unrelated CA", true, now.Add(-time.Hour), now.Add(24*time.Hour), nil)

	v := NewValidator([]*x509.Certificate{root.cert}, zap.NewNop())

	err := v.Verify([]*x509.Certificate{leaf.cert, unrelated.cert}, now)
	if err == nil {
		t.Fatalf("chain with broken linkage accepted")
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	v := NewValidator(nil, zap.NewNop())
	if err := v.Verify(nil, time.Now()); err == nil {
		t.Fatalf("empty chain accepted")
	}
}

func TestLoadRootsPEM(t *testing.T) {
	now := time.Now()
	root := newTestCert(t, "Test Root CA", true, now.Add(-time.Hour), now.Add(24*time.Hour), nil)

	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.cert.Raw})

	roots, err := LoadRootsPEM(pemData)
	if err != nil {
		t.Fatalf("load roots: %v", err)
	}
	if len(roots) != 1 || roots[0].Subject.CommonName != "Test Root CA" {
		t.Fatalf("unexpected roots: %v", roots)
	}

	if _, err := LoadRootsPEM([]byte("not pem at all")); err == nil {
		t.Fatalf("garbage PEM accepted")
	}
}
