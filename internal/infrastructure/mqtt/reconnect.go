package mqtt

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the exponential schedule for one reconnect episode.
// It never gives up on its own; only Close ends the retries.
func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

// reconnectLoop waits for transport loss and recovers the session.
func (cm *ConnectionManager) reconnectLoop() {
	defer cm.wg.Done()

	for {
		select {
		case <-cm.done:
			return
		case ep := <-cm.lost:
			if _, cur := cm.current(); ep != cur {
				continue
			}
			cm.recover()
		}
	}
}

// recover moves Connected -> Reconnecting and retries until a new
// connection is up and every remembered subscription has been reissued.
//
// The gate is held for the whole episode, so the receive loop cannot
// dispatch anything buffered from the new connection before the
// subscriptions are back.
func (cm *ConnectionManager) recover() {
	if err := cm.session.transition(StateReconnecting, StateConnected); err != nil {
		return
	}

	cm.gate.Lock()
	defer cm.gate.Unlock()

	schedule := cm.policy.newBackOff()
	for attempt := 1; ; attempt++ {
		err := cm.reestablish()
		if err == nil {
			if terr := cm.session.transition(StateConnected, StateReconnecting); terr != nil {
				// Close won the race; it disconnects the installed client.
				return
			}
			cm.reconnects.Add(1)
			cm.logger.Info("MQTT reconnected",
				"broker", cm.endpoint.Address(),
				"attempts", attempt,
			)
			cm.announce(buildOnlinePayload(cm.endpoint.ClientID()), 0)
			return
		}
		if errors.Is(err, ErrConnectionClosed) {
			return
		}

		delay := schedule.NextBackOff()
		if delay > cm.policy.MaxDelay {
			delay = cm.policy.MaxDelay
		}
		cm.logger.Warn("MQTT reconnect attempt failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		cm.observer.ReconnectAttempt(attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-cm.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// reestablish dials once and reissues remembered subscriptions on the new
// connection. A connection that drops during resubscription is discarded.
func (cm *ConnectionManager) reestablish() error {
	client, ep, err := cm.dial(cm.ctx)
	if err != nil {
		return err
	}
	cm.install(client, ep)

	subs := cm.remembered()
	if len(subs) == 0 {
		return nil
	}

	results, err := cm.subscribe(cm.ctx, subs)
	cm.observer.Subscribed(results)
	if err == nil {
		return nil
	}

	select {
	case <-ep.lost:
		// Drain the loss signal of the discarded connection.
		select {
		case <-cm.lost:
		default:
		}
		return err
	case <-cm.done:
		return ErrConnectionClosed
	default:
	}

	// The broker rejected some filters but the connection is healthy;
	// keep it and report the failures.
	cm.logger.Warn("MQTT resubscribe incomplete", "error", err)
	return nil
}
