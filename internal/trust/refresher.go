package trust

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Refresher keeps the store's snapshot current. A failed refresh never
// invalidates the published snapshot; only the TSL's own expiry does.
type Refresher struct {
	store    *Store
	anchor   *x509.Certificate
	tslURL   string
	idpURL   string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func NewRefresher(store *Store, anchor *x509.Certificate, tslURL, idpURL string, interval, fetchTimeout time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:    store,
		anchor:   anchor,
		tslURL:   tslURL,
		idpURL:   idpURL,
		interval: interval,
		client: &http.Client{
			Timeout: fetchTimeout,
			// honours HTTP_PROXY / HTTPS_PROXY / NO_PROXY
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		logger: logger,
	}
}

// Run performs an eager first refresh and then refreshes on the configured
// cadence until the context is cancelled. Network failures back off
// exponentially from 30s up to 1h without giving up.
func (r *Refresher) Run(ctx context.Context) {
	r.refreshWithBackoff(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshWithBackoff(ctx)
		}
	}
}

func (r *Refresher) refreshWithBackoff(ctx context.Context) {
	backoff := retry.WithCappedDuration(time.Hour, retry.NewExponential(30*time.Second))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.RefreshOnce(ctx); err != nil {
			r.logger.Warn("trust refresh failed, keeping current snapshot",
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Error("trust refresh gave up", slog.String("error", err.Error()))
	}
}

// RefreshOnce fetches TSL and IDP material and publishes a new snapshot.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	document, err := r.fetch(ctx, r.tslURL)
	if err != nil {
		return fmt.Errorf("failed to fetch TSL: %w", err)
	}

	tsl, err := ParseTSL(document, r.anchor)
	if err != nil {
		return err
	}

	idpKey, err := FetchIDPKey(ctx, r.client, r.idpURL, tsl.IDPIssuers)
	if err != nil {
		return err
	}

	now := time.Now()
	snapshot := &Snapshot{
		Anchor:         r.anchor,
		TSLSignerCerts: tsl.TSLSignerCerts,
		CACerts:        tsl.CACerts,
		QESIssuers:     tsl.QESIssuers,
		IDPIssuers:     tsl.IDPIssuers,
		IDPKey:         idpKey.Key,
		IDPKeyID:       idpKey.KeyID,
		SequenceNumber: tsl.SequenceNumber,
		FetchedAt:      now,
		TSLExpiry:      tsl.NextUpdate,
		NextRefresh:    now.Add(r.interval),
	}

	r.store.Replace(snapshot)
	r.logger.Info("trust snapshot refreshed",
		slog.String("tsl_sequence", snapshot.SequenceNumber),
		slog.Int("ca_certs", len(snapshot.CACerts)),
		slog.Int("qes_issuers", len(snapshot.QESIssuers)),
		slog.Time("tsl_expiry", snapshot.TSLExpiry))

	return nil
}

func (r *Refresher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}
