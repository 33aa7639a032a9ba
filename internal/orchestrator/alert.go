package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callbridge/agent/internal/callstate"
	"callbridge/agent/internal/types"
)

var DefaultKeywords = []string{"help", "emergency", "pain", "fell", "hurt", "sick", "hospital"}

type AlertStore interface {
	AcquireAlertLock(ctx context.Context, callID string) (string, error)
	ReleaseAlertLock(ctx context.Context, callID, token string) error
	GetState(ctx context.Context, id string) (types.Call, error)
	MarkAlert(ctx context.Context, id string) error
	PublishAlert(ctx context.Context, evt types.AlertEvent) (int64, error)
}

type AlertMarker interface {
	MarkAlert(ctx context.Context, id int64) error
}

// AlertTarget is the call an utterance belongs to.
type AlertTarget struct {
	CallInfo
	RecordID int64
}

// Alerter dispatches at most one alert per call. Dispatch runs under the
// per-call alert lock and skips calls already flagged in the cache.
type Alerter struct {
	store    AlertStore
	records  AlertMarker
	keywords []string
	log      *zap.Logger

	mu   sync.Mutex
	held map[string]string // call id -> lock token whose release failed
}

func NewAlerter(store AlertStore, records AlertMarker, keywords []string, log *zap.Logger) *Alerter {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Alerter{store: store, records: records, keywords: kw, log: log.Named("alert"), held: map[string]string{}}
}

// Scan returns the keywords contained in text, case-insensitively.
func (a *Alerter) Scan(text string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, k := range a.keywords {
		if strings.Contains(lower, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

// Check scans utterance and dispatches an alert if it matches and none was sent
// for this call yet. It reports whether this call dispatched. A durable flag
// failure is returned wrapped in ErrDurableWrite after the alert went out.
func (a *Alerter) Check(ctx context.Context, target AlertTarget, utterance string) (bool, error) {
	hits := a.Scan(utterance)
	if len(hits) == 0 {
		return false, nil
	}
	token, err := a.store.AcquireAlertLock(ctx, target.ID)
	if errors.Is(err, callstate.ErrLockContention) {
		// another owner is handling it
		metricAlerts.WithLabelValues("contended").Inc()
		return false, nil
	}
	if err != nil {
		metricAlerts.WithLabelValues("error").Inc()
		return false, err
	}
	defer a.release(ctx, target.ID, token)

	call, err := a.store.GetState(ctx, target.ID)
	switch {
	case err == nil && call.AlertTriggered:
		metricAlerts.WithLabelValues("duplicate").Inc()
		return false, nil
	case err != nil && !errors.Is(err, callstate.ErrCallNotFound):
		metricAlerts.WithLabelValues("error").Inc()
		return false, err
	}

	if err := a.store.MarkAlert(ctx, target.ID); err != nil && !errors.Is(err, callstate.ErrCallNotFound) {
		metricAlerts.WithLabelValues("error").Inc()
		return false, err
	}

	var durableErr error
	if a.records != nil && target.RecordID != 0 {
		if err := a.records.MarkAlert(ctx, target.RecordID); err != nil {
			metricDurableFailures.WithLabelValues("mark_alert").Inc()
			durableErr = fmt.Errorf("%w: %v", ErrDurableWrite, err)
		}
	} else if a.records != nil {
		durableErr = fmt.Errorf("%w: no durable row yet", ErrDurableWrite)
	}

	evt := types.AlertEvent{
		CallID:    target.ID,
		CallSID:   target.CallSID,
		Owner:     target.Owner,
		Origin:    target.Origin,
		Utterance: utterance,
		Keywords:  hits,
		Timestamp: time.Now().UTC(),
	}
	n, err := a.store.PublishAlert(ctx, evt)
	if err != nil {
		// fire-and-forget channel; the flag is already set
		a.log.Warn("publish failed", zap.String("call_id", target.ID), zap.Error(err))
	}
	metricAlerts.WithLabelValues("dispatched").Inc()
	a.log.Info("alert dispatched",
		zap.String("call_id", target.ID),
		zap.String("call_sid", target.CallSID),
		zap.Strings("keywords", hits),
		zap.Int64("receivers", n))
	return true, durableErr
}

func (a *Alerter) release(ctx context.Context, callID, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.ReleaseAlertLock(rctx, callID, token); err != nil {
		a.log.Warn("lock release failed", zap.String("call_id", callID), zap.Error(err))
		a.mu.Lock()
		a.held[callID] = token
		a.mu.Unlock()
	}
}

// ReleaseHeld retries releasing a lock whose earlier release failed.
func (a *Alerter) ReleaseHeld(ctx context.Context, callID string) {
	a.mu.Lock()
	token, ok := a.held[callID]
	delete(a.held, callID)
	a.mu.Unlock()
	if ok {
		a.release(ctx, callID, token)
	}
}
