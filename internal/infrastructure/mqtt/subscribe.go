package mqtt

import (
	"context"
	"fmt"
	"slices"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe issues one SUBSCRIBE for every inbound binding and reports the
// broker's answer per binding.
//
// Bindings that are granted are remembered and reissued after every
// reconnect. When any binding failed the returned error wraps
// ErrSubscribeFailed; callers must inspect the results to see which.
// Subscribing to an identical set again is idempotent: each filter is
// routed once, however many times it was subscribed.
func (cm *ConnectionManager) Subscribe(ctx context.Context, bindings []TopicBinding) ([]SubscribeResult, error) {
	requested := make([]SubscribeResult, 0, len(bindings))
	for _, b := range bindings {
		if b.Direction != Inbound {
			continue
		}
		if err := ValidateFilter(b.Filter); err != nil {
			return nil, fmt.Errorf("%w: binding %q: %w", ErrSubscribeFailed, b.Name, err)
		}
		if b.QoS > maxQoS {
			return nil, fmt.Errorf("%w: binding %q: %w", ErrSubscribeFailed, b.Name, ErrInvalidQoS)
		}
		requested = append(requested, SubscribeResult{Binding: b.Name, Filter: b.Filter, RequestedQoS: b.QoS})
	}
	if len(requested) == 0 {
		return nil, nil
	}

	if s := cm.State(); s != StateConnected {
		return nil, fmt.Errorf("%w: %w: session is %s", ErrSubscribeFailed, ErrNotConnected, s)
	}

	results, err := cm.subscribe(ctx, requested)
	cm.observer.Subscribed(results)
	return results, err
}

// subscribe sends one batched SUBSCRIBE on the current connection and
// records granted filters.
func (cm *ConnectionManager) subscribe(ctx context.Context, requested []SubscribeResult) ([]SubscribeResult, error) {
	filters := make(map[string]byte, len(requested))
	for _, r := range requested {
		filters[r.Filter] = r.RequestedQoS
	}

	cm.writeMu.Lock()
	client, ep := cm.current()
	// A nil callback adds no paho route, so every message reaches the
	// default publish handler exactly once.
	token := client.SubscribeMultiple(filters, nil)
	cm.writeMu.Unlock()

	timer := time.NewTimer(cm.cfg.CompletionTimeout)
	defer timer.Stop()

	var failure error
	select {
	case <-token.Done():
		failure = token.Error()
	case <-timer.C:
		failure = fmt.Errorf("no SUBACK within %v", cm.cfg.CompletionTimeout)
	case <-ep.lost:
		failure = ErrTransportClosed
	case <-ctx.Done():
		failure = ctx.Err()
	case <-cm.done:
		failure = ErrConnectionClosed
	}

	var granted map[string]byte
	if failure == nil {
		if st, ok := token.(*pahomqtt.SubscribeToken); ok {
			granted = st.Result()
		}
	}

	results := make([]SubscribeResult, len(requested))
	failed := 0
	for i, r := range requested {
		switch code, ok := granted[r.Filter]; {
		case failure != nil:
			r.Err = fmt.Errorf("%w: %w", ErrSubscribeFailed, failure)
		case !ok:
			r.Err = fmt.Errorf("%w: no SUBACK entry for %s", ErrSubscribeFailed, r.Filter)
		case code > maxQoS:
			// 0x80 in MQTT 3.1.1; some brokers send a v5 reason code.
			r.Err = fmt.Errorf("%w: %s (code 0x%02x)", ErrSubscriptionRejected, r.Filter, code)
		default:
			r.GrantedQoS = code
			cm.remember(r)
		}
		if r.Err != nil {
			failed++
			cm.logger.Warn("MQTT subscription failed",
				"binding", r.Binding,
				"filter", r.Filter,
				"error", r.Err,
			)
		}
		results[i] = r
	}

	if failure != nil {
		return results, fmt.Errorf("%w: %w", ErrSubscribeFailed, failure)
	}
	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d bindings failed", ErrSubscribeFailed, failed, len(results))
	}
	return results, nil
}

func (cm *ConnectionManager) remember(r SubscribeResult) {
	cm.subMu.Lock()
	defer cm.subMu.Unlock()

	if _, ok := cm.subscriptions[r.Filter]; !ok {
		cm.subOrder = append(cm.subOrder, r.Filter)
	}
	cm.subscriptions[r.Filter] = SubscribeResult{Binding: r.Binding, Filter: r.Filter, RequestedQoS: r.RequestedQoS}
}

// Subscriptions returns the remembered filters in the order they were first granted.
func (cm *ConnectionManager) Subscriptions() []string {
	cm.subMu.RLock()
	defer cm.subMu.RUnlock()
	return slices.Clone(cm.subOrder)
}

func (cm *ConnectionManager) remembered() []SubscribeResult {
	cm.subMu.RLock()
	defer cm.subMu.RUnlock()

	out := make([]SubscribeResult, 0, len(cm.subOrder))
	for _, f := range cm.subOrder {
		out = append(out, cm.subscriptions[f])
	}
	return out
}
