/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/bdemchak/jupyter-bridge/pkg/metricscollector"
	"github.com/bdemchak/jupyter-bridge/pkg/store"
)

// ErrSlotOccupied reports an enqueue against a slot whose previous message was
// never picked up.
var ErrSlotOccupied = errors.New("channel contains unprocessed message")

// Bridge is the per-channel rendezvous engine. One producer posts a message
// into a slot, one consumer long-polls it back out; the store linearises the
// field writes so multiple relay processes may share it.
type Bridge struct {
	store  store.Store
	cfg    Config
	logger logr.Logger
}

// New returns an engine over st. The logger is used for operations without a
// request context; per-request loggers travel in ctx.
func New(st store.Store, cfg Config, logger logr.Logger) *Bridge {
	return &Bridge{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
}

// Config returns the engine's resolved configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

// Enqueue posts payload into the channel's slot for direction. The slot must
// be empty; a pending message means the consumer never picked up and the
// caller gets ErrSlotOccupied.
func (b *Bridge) Enqueue(ctx context.Context, direction Direction, channel string, payload []byte) error {
	key := slotKey(channel, direction)
	log := logr.FromContextOrDiscard(ctx).WithValues("key", key)
	log.V(1).Info("into enqueue", "bytes", len(payload))
	defer log.V(1).Info("out of enqueue")

	fields, err := b.store.GetAll(ctx, key)
	if err != nil {
		return err
	}
	if _, occupied := fields[fieldMessage]; occupied {
		return errors.Wrap(ErrSlotOccupied, key)
	}

	err = b.store.SetFields(ctx, key, map[string]string{
		fieldMessage:    string(payload),
		fieldPickupTime: "",
		fieldPostedTime: time.Now().Format(time.ANSIC),
	})
	if err != nil {
		return err
	}
	if err := b.store.Expire(ctx, key, b.cfg.Expiry); err != nil {
		return err
	}

	if err := b.recordStats(ctx, direction, len(payload)); err != nil {
		return err
	}
	metricscollector.RecordMessage(string(direction), len(payload))
	return nil
}

// DiscardStrandedReply drops a reply left in the channel's reply slot by a
// prior transaction whose consumer never returned. It reports the stranded
// bytes so the caller can log them. Called before a new request is posted.
func (b *Bridge) DiscardStrandedReply(ctx context.Context, channel string) (string, bool, error) {
	key := slotKey(channel, Reply)

	stranded, present, err := b.store.GetField(ctx, key, fieldMessage)
	if err != nil {
		return "", false, err
	}
	if !present {
		return "", false, nil
	}
	if _, err := b.store.DeleteField(ctx, key, fieldMessage); err != nil {
		return "", false, err
	}
	return stranded, true, nil
}

// Dequeue long-polls the channel's slot for direction until a message arrives
// or DequeueTimeout elapses. It returns (payload, true, nil) on success,
// (nil, true, nil) on timeout, and (nil, false, nil) when another waiter
// already holds the slot. resetFirst discards any message left by a dead
// predecessor before waiting.
func (b *Bridge) Dequeue(ctx context.Context, direction Direction, channel string, resetFirst bool) (payload []byte, validReader bool, err error) {
	key := slotKey(channel, direction)
	log := logr.FromContextOrDiscard(ctx).WithValues("key", key)
	log.V(1).Info("into dequeue", "resetFirst", resetFirst)
	defer log.V(1).Info("out of dequeue")

	// Reader interlock: at most one waiter per slot. An absent flag counts
	// as idle. A busy flag belongs to another live waiter and must not be
	// cleared here.
	busy, _, err := b.store.GetField(ctx, key, fieldDequeueBusy)
	if err != nil {
		return nil, true, err
	}
	if busy == dequeueBusyStatus {
		log.V(1).Info("detected redundant reader")
		metricscollector.RecordRedundantReader(string(direction))
		return nil, false, nil
	}
	if err := b.store.SetFields(ctx, key, map[string]string{fieldDequeueBusy: dequeueBusyStatus}); err != nil {
		return nil, true, err
	}
	// Every exit of the waiter that acquired the interlock releases it, even
	// after a store fault or a client disconnect mid-poll.
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if clearErr := b.store.SetFields(cleanupCtx, key, map[string]string{fieldDequeueBusy: dequeueIdleStatus}); clearErr != nil && err == nil {
			err = clearErr
		}
	}()

	if resetFirst {
		// Clear out any message left for a (presumably dead) reader; the
		// first dequeue of a fresh consumer precedes the first enqueue.
		if _, err := b.store.DeleteField(ctx, key, fieldMessage); err != nil {
			return nil, true, err
		}
	}
	if err := b.store.SetFields(ctx, key, map[string]string{fieldPickupTime: ""}); err != nil {
		return nil, true, err
	}
	// Needed in case nothing ever enqueues into this slot.
	if err := b.store.Expire(ctx, key, b.cfg.Expiry); err != nil {
		return nil, true, err
	}

	interval, fastPollsLeft, err := b.selectCadence(ctx, key)
	if err != nil {
		return nil, true, err
	}

	message, found, err := b.store.GetField(ctx, key, fieldMessage)
	if err != nil {
		return nil, true, err
	}
	remaining := b.cfg.DequeueTimeout
	for !found && remaining > 0 {
		select {
		case <-ctx.Done():
			// Caller is gone; give up early. The deferred clear still
			// releases the interlock.
			log.V(1).Info("dequeue canceled", "fastPollsLeft", fastPollsLeft)
			return nil, true, nil
		case <-time.After(interval):
		}
		remaining -= interval
		message, found, err = b.store.GetField(ctx, key, fieldMessage)
		if err != nil {
			return nil, true, err
		}
	}

	if !found {
		log.V(1).Info("dequeue timed out", "fastPollsLeft", fastPollsLeft, "interval", interval)
		metricscollector.RecordDequeueTimeout(string(direction))
		return nil, true, nil
	}

	deleted, err := b.store.DeleteField(ctx, key, fieldMessage)
	if err != nil {
		return nil, true, err
	}
	if !deleted {
		// Another reader got here first; the interlock should have made
		// that impossible.
		return nil, true, errors.Errorf("failed deleting %s subkey %s", key, fieldMessage)
	}
	err = b.store.SetFields(ctx, key, map[string]string{
		fieldPickupTime:    time.Now().Format(time.ANSIC),
		fieldFastPollsLeft: strconv.Itoa(b.cfg.MaxFastPolls),
	})
	if err != nil {
		return nil, true, err
	}
	return []byte(message), true, nil
}

// selectCadence applies the fast/slow polling heuristic. Zombie waiters are
// known to exist, particularly browser tabs that keep polling on behalf of no
// client; letting them poll rapidly starves store bandwidth for legitimate
// users. A waiter gets MaxFastPolls fast rounds, then drops to the slow
// interval until its next successful pickup reseeds the budget.
func (b *Bridge) selectCadence(ctx context.Context, key string) (time.Duration, int, error) {
	fastPollsLeft := b.cfg.MaxFastPolls
	raw, present, err := b.store.GetField(ctx, key, fieldFastPollsLeft)
	if err != nil {
		return 0, 0, err
	}
	if present {
		fastPollsLeft, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "bad %s in %s", fieldFastPollsLeft, key)
		}
	}
	if fastPollsLeft <= 0 {
		return b.cfg.SlowPollInterval, fastPollsLeft, nil
	}
	fastPollsLeft--
	err = b.store.SetFields(ctx, key, map[string]string{fieldFastPollsLeft: strconv.Itoa(fastPollsLeft)})
	if err != nil {
		return 0, 0, err
	}
	return b.cfg.FastPollInterval, fastPollsLeft, nil
}

// Scrub removes every request and reply slot left behind by a prior relay
// instance. Statistics records are preserved. Run once at startup, before
// serving.
func (b *Bridge) Scrub(ctx context.Context) error {
	for _, direction := range []Direction{Reply, Request} {
		keys, err := b.store.Scan(ctx, "*:"+string(direction))
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := b.store.DeleteKey(ctx, key); err != nil {
				b.logger.Error(err, "failed deleting key", "key", key)
				continue
			}
			b.logger.V(1).Info("deleted key", "key", key)
		}
	}
	return nil
}
