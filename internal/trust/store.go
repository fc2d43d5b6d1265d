// Package trust maintains the trust material every request depends on: the
// bootstrap trust anchor, the Trust Service List derived from it, and the
// identity provider's signing key.
//
// The material is published as an immutable Snapshot behind an atomic
// pointer. Readers take the current snapshot once at the start of a logical
// operation and use it to completion; a concurrent refresh never tears the
// view they hold.
package trust

import (
	"crypto/ecdsa"
	"crypto/x509"
	"sync/atomic"
	"time"

	"github.com/open-eprescription/erx-service/internal/erx"
)

// Snapshot is one consistent view of the trust material.
type Snapshot struct {
	// Anchor is the bootstrap trust anchor the TSL signature chains to.
	Anchor *x509.Certificate

	// TSLSignerCerts are the certificates the current TSL was verified
	// against (the anchor plus any pinned signer certificates it lists).
	TSLSignerCerts []*x509.Certificate

	// CACerts are the component CA certificates listed in the TSL.
	CACerts []*x509.Certificate

	// QESIssuers are the qualified-certificate issuers; prescription
	// signatures must chain to one of these.
	QESIssuers []*x509.Certificate

	// IDPIssuers are the CAs allowed to issue the IDP signing certificate.
	IDPIssuers []*x509.Certificate

	// IDPKey is the access-token signing key, already validated against
	// IDPIssuers.
	IDPKey   *ecdsa.PublicKey
	IDPKeyID string

	SequenceNumber string
	FetchedAt      time.Time
	TSLExpiry      time.Time
	NextRefresh    time.Time
}

// Expired reports whether the snapshot's TSL validity has lapsed. An expired
// snapshot is fatal for new requests but in-flight ones finish with the
// snapshot reference they already hold.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.TSLExpiry.IsZero() && now.After(s.TSLExpiry)
}

// QESPool returns the QES issuers as a verification pool.
func (s *Snapshot) QESPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, cert := range s.QESIssuers {
		pool.AddCert(cert)
	}
	return pool
}

// Store publishes snapshots via atomic replacement.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Current returns the snapshot to use for one logical operation, or an error
// if no usable snapshot exists yet.
func (st *Store) Current(now time.Time) (*Snapshot, error) {
	snapshot := st.current.Load()
	if snapshot == nil {
		return nil, erx.NewTSLExpiredError("trust material not yet available")
	}
	if snapshot.Expired(now) {
		return nil, erx.NewTSLExpiredError("trust service list expired")
	}
	return snapshot, nil
}

// Peek returns the latest snapshot regardless of expiry (diagnostics and the
// refresher itself).
func (st *Store) Peek() *Snapshot {
	return st.current.Load()
}

// Replace atomically publishes a new snapshot.
func (st *Store) Replace(snapshot *Snapshot) {
	st.current.Store(snapshot)
}
