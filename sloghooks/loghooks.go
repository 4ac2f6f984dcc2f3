// Package sloghooks logs herdsync.Hooks events to a *slog.Logger with optional
// sampling of the noisy ones.
package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/herdsync"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	SettledEvery     uint64
	RevalidatedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	settledCtr     atomic.Uint64
	revalidatedCtr atomic.Uint64
}

var _ herdsync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("herdsync.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("herdsync.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) StorageUnavailable(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("herdsync.storage_unavailable",
		"op", op,
		"err", err)
}

func (h *Hooks) Swept(removed int) {
	if h.l == nil || removed == 0 {
		return
	}
	h.l.Debug("herdsync.swept", "removed", removed)
}

func (h *Hooks) OperationSettled(method, outcome string) {
	if h.l == nil {
		return
	}
	// failures always log
	if outcome != "failed" && !sample(h.opts.SettledEvery, &h.settledCtr) {
		return
	}
	level := slog.LevelDebug
	if outcome == "failed" {
		level = slog.LevelWarn
	}
	h.l.Log(context.Background(), level, "herdsync.operation_settled",
		"method", method,
		"outcome", outcome)
}

func (h *Hooks) SyncPulled(resource, mode string, records int) {
	if h.l == nil {
		return
	}
	h.l.Info("herdsync.sync_pulled",
		"resource", resource,
		"mode", mode,
		"records", records)
}

func (h *Hooks) GraphRevalidated(key string, replaced bool) {
	if h.l == nil || !sample(h.opts.RevalidatedEvery, &h.revalidatedCtr) {
		return
	}
	h.l.Debug("herdsync.graph_revalidated",
		"key", h.redact(key),
		"replaced", replaced)
}
