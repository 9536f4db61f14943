package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/austindbirch/harbor_oracle/internal/config"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/signing"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

const sigHeader = "Human-Signature"

// receiver stands in for a peer oracle: it checks signatures and can be made
// to fail its first requests
type receiver struct {
	failFirstN int
	trusted    []common.Address
	delay      time.Duration
	reqCount   atomic.Int64
}

func newReceiver(cfg config.FakeOracle) (*receiver, error) {
	r := &receiver{failFirstN: cfg.FailFirstN, delay: time.Duration(cfg.ResponseDelayMS) * time.Millisecond}
	if cfg.TrustedAddress != "" {
		if !common.IsHexAddress(cfg.TrustedAddress) {
			return nil, fmt.Errorf("invalid trusted address %q", cfg.TrustedAddress)
		}
		r.trusted = []common.Address{common.HexToAddress(cfg.TrustedAddress)}
	}
	return r, nil
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-oracle")

	recv, err := newReceiver(cfg.FakeOracle)
	if err != nil {
		logging.Plain().WithError(err).Fatal("invalid configuration")
	}

	srv := &http.Server{
		Addr:         cfg.FakeOracle.Port,
		Handler:      recv.routes(),
		ReadTimeout:  cfg.FakeOracle.ReadTimeout,
		WriteTimeout: cfg.FakeOracle.WriteTimeout,
		IdleTimeout:  cfg.FakeOracle.IdleTimeout,
	}
	logging.Plain().WithField("addr", srv.Addr).Info("fake-oracle listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Plain().WithError(err).Fatal("fake-oracle stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /webhooks/{role}", rc.handleWebhook)
	return mux
}

func (rc *receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := logging.Plain().WithField("path", r.URL.Path).WithField("request", n)

	signer, err := verifySignature(b, r.Header.Get(sigHeader), rc.trusted)
	if err != nil {
		log.WithError(err).Warn("fake-oracle failed to verify signature")
		http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
		return
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.failFirstN) {
		log.WithField("body", truncate(string(b), 160)).Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("signer", signer.Hex()).WithField("body", truncate(string(b), 160)).Info("fake-oracle OK")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// verifySignature decodes body as a webhook message and recovers the signer
// of its canonical form. Any signer is accepted when trusted is empty.
func verifySignature(body []byte, sig string, trusted []common.Address) (common.Address, error) {
	if sig == "" {
		return common.Address{}, webhook.ErrMissingSignature
	}
	var msg webhook.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return common.Address{}, fmt.Errorf("decode body: %w", err)
	}
	canonical, err := msg.Canonical()
	if err != nil {
		return common.Address{}, err
	}
	if len(trusted) == 0 {
		return signing.Recover(canonical, sig)
	}
	return signing.Verify(canonical, sig, trusted...)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
