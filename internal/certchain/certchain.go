// Package certchain проверяет цепочку сертификатов подписанного токена
// платёжной платформы относительно настроенного набора корневых сертификатов.
package certchain

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoTrustedRoot возвращается, когда цепочка не замыкается ни на один
// из настроенных корней.
var ErrNoTrustedRoot = errors.New("certificate chain is not anchored to a trusted root")

// Validator выполняет криптографическую проверку цепочки сертификатов.
// Побочных эффектов, кроме логирования отказов, нет.
type Validator struct {
	roots  []*x509.Certificate
	logger *zap.Logger
}

// NewValidator создаёт валидатор с набором доверенных корней.
func NewValidator(roots []*x509.Certificate, logger *zap.Logger) *Validator {
	return &Validator{roots: roots, logger: logger}
}

// LoadRootsPEM разбирает PEM-блоки с корневыми сертификатами.
func LoadRootsPEM(data []byte) ([]*x509.Certificate, error) {
	var roots []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse root certificate: %w", err)
		}
		roots = append(roots, cert)
	}
	if len(roots) == 0 {
		return nil, errors.New("no certificates found in root PEM")
	}
	return roots, nil
}

// Verify проверяет цепочку chain (лист первым, дальше промежуточные) на момент
// at: окна действия каждого сертификата, соответствие issuer/subject и подписи
// соседних пар, замыкание последнего звена на один из доверенных корней.
// Любой сбой — жёсткий отказ.
func (v *Validator) Verify(chain []*x509.Certificate, at time.Time) error {
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}

	for _, cert := range chain {
		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			v.logReject(cert, "certificate outside validity window")
			return fmt.Errorf("certificate %q is not valid at %s", cert.Subject, at.Format(time.RFC3339))
		}
	}

	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]
		if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
			v.logReject(child, "issuer does not match parent subject")
			return fmt.Errorf("issuer of %q does not match subject of %q", child.Subject, parent.Subject)
		}
		// CheckSignatureFrom выбирает схему по типу ключа родителя (EC или RSA).
		if err := child.CheckSignatureFrom(parent); err != nil {
			v.logReject(child, "signature check against parent failed")
			return fmt.Errorf("signature of %q not verifiable by %q: %w", child.Subject, parent.Subject, err)
		}
	}

	last := chain[len(chain)-1]
	for _, root := range v.roots {
		if !bytes.Equal(last.RawIssuer, root.RawSubject) {
			continue
		}
		if err := last.CheckSignatureFrom(root); err == nil {
			return nil
		}
	}

	v.logReject(last, "no configured root matches")
	return ErrNoTrustedRoot
}

func (v *Validator) logReject(cert *x509.Certificate, reason string) {
	if v.logger == nil {
		return
	}
	v.logger.Warn("certificate chain rejected",
		zap.String("reason", reason),
		zap.String("subject", cert.Subject.String()),
		zap.String("issuer", cert.Issuer.String()),
		zap.String("algorithm", cert.SignatureAlgorithm.String()),
	)
}
