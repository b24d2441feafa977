// Copyright 2021-2022 The thalamus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/common"
	"github.com/apex/log"
)

// Subscriber is a consumer handle which records can be delivered to.
//
// Implementations must be comparable, typically a pointer.
type Subscriber interface {
	// SubscriberID uniquely identifies the subscriber within the registry
	SubscriberID() string
	// Deliver hands one frame to the subscriber. It may wait a bounded time for queue room
	// but must not block on network I/O.
	Deliver(frame []byte) error
}

// ProducerStats delivery counters for one producer identifier
type ProducerStats struct {
	// Published number of frames published under the identifier while it had subscribers
	Published uint64 `json:"published"`
	// Delivered number of frames handed to a subscriber
	Delivered uint64 `json:"delivered"`
	// Failed number of deliveries which failed
	Failed uint64 `json:"failed"`
}

// RegistryStats snapshot of the registry counters
type RegistryStats struct {
	// Subscribers number of subscribers holding at least one subscription
	Subscribers int `json:"subscribers"`
	// Producers delivery counters per producer identifier which currently has subscribers
	Producers map[string]ProducerStats `json:"producers"`
}

// Registry maps producer identifiers to the set of subscribers currently receiving them.
//
// All methods are safe for concurrent use.
type Registry interface {
	// Subscribe adds the subscriber to the set for producerID. Repeating a subscription has
	// no further effect: a subscriber receives each frame at most once.
	Subscribe(producerID string, sub Subscriber) error

	// UnsubscribeAll removes the subscriber from every set it is in. Unknown subscribers
	// are ignored. Returns the number of subscriptions removed.
	UnsubscribeAll(sub Subscriber) int

	// Publish delivers frame to every current subscriber of producerID, returning the
	// number of successful deliveries. A failed delivery is logged and the failing
	// subscriber removed; it never stops delivery to the others.
	Publish(ctxt context.Context, producerID string, frame []byte) int

	// SubscriberCount number of subscribers of producerID
	SubscriberCount(producerID string) int

	// Subscriptions snapshot of producer identifier to sorted subscriber IDs
	Subscriptions() map[string][]string

	// Stats snapshot of the registry counters
	Stats() RegistryStats
}

type producerCounters struct {
	published uint64
	delivered uint64
	failed    uint64
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	lock sync.RWMutex
	// byProducer producer ID -> subscriber ID -> subscriber
	byProducer map[string]map[string]Subscriber
	// bySubscriber subscriber ID -> producer IDs, for teardown without a full scan
	bySubscriber map[string]map[string]bool

	// counters only exist for producer IDs with subscribers. Guarded by statsLock, which
	// is always taken after lock.
	statsLock sync.Mutex
	counters  map[string]*producerCounters

	failureLogs *common.LogThrottle
}

// deliveryFailureLogRate max delivery failure log lines per second
const deliveryFailureLogRate = 5

// DefineRegistry define a new, empty Registry
func DefineRegistry(instance string) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				common.ModifyLogMetadataBySessionParam,
			},
		},
		byProducer:   make(map[string]map[string]Subscriber),
		bySubscriber: make(map[string]map[string]bool),
		counters:     make(map[string]*producerCounters),
		failureLogs:  common.NewLogThrottle(deliveryFailureLogRate),
	}, nil
}

// Subscribe adds the subscriber to the set for producerID
func (r *registryImpl) Subscribe(producerID string, sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("nil subscriber")
	}
	subscriberID := sub.SubscriberID()
	if producerID == "" || subscriberID == "" {
		return fmt.Errorf(
			"producer ID '%s' and subscriber ID '%s' must be set", producerID, subscriberID,
		)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	subscribers, ok := r.byProducer[producerID]
	if !ok {
		subscribers = make(map[string]Subscriber)
		r.byProducer[producerID] = subscribers
	}
	if _, ok := subscribers[subscriberID]; ok {
		log.WithFields(r.LogTags).Debugf("%s already subscribed to %s", subscriberID, producerID)
		return nil
	}
	subscribers[subscriberID] = sub
	producers, ok := r.bySubscriber[subscriberID]
	if !ok {
		producers = make(map[string]bool)
		r.bySubscriber[subscriberID] = producers
	}
	producers[producerID] = true
	log.WithFields(r.LogTags).Debugf("%s subscribed to %s", subscriberID, producerID)
	return nil
}

// UnsubscribeAll removes the subscriber from every set it is in
func (r *registryImpl) UnsubscribeAll(sub Subscriber) int {
	if sub == nil {
		return 0
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.removeSubscriber(sub.SubscriberID())
}

// removeSubscriber drop all entries of one subscriber. Caller must hold the write lock.
func (r *registryImpl) removeSubscriber(subscriberID string) int {
	producers, ok := r.bySubscriber[subscriberID]
	if !ok {
		return 0
	}
	for producerID := range producers {
		subscribers, ok := r.byProducer[producerID]
		if !ok {
			continue
		}
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(r.byProducer, producerID)
			r.statsLock.Lock()
			delete(r.counters, producerID)
			r.statsLock.Unlock()
		}
	}
	delete(r.bySubscriber, subscriberID)
	log.WithFields(r.LogTags).Debugf(
		"Removed %d subscriptions of %s", len(producers), subscriberID,
	)
	return len(producers)
}

// snapshot copy the current subscriber set of producerID, along with its counters.
// Counters are only created while producerID has subscribers.
func (r *registryImpl) snapshot(producerID string) ([]Subscriber, *producerCounters) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	subscribers, ok := r.byProducer[producerID]
	if !ok || len(subscribers) == 0 {
		return nil, nil
	}
	result := make([]Subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		result = append(result, sub)
	}
	r.statsLock.Lock()
	defer r.statsLock.Unlock()
	counters, ok := r.counters[producerID]
	if !ok {
		counters = &producerCounters{}
		r.counters[producerID] = counters
	}
	return result, counters
}

// Publish delivers frame to every current subscriber of producerID
func (r *registryImpl) Publish(ctxt context.Context, producerID string, frame []byte) int {
	// Deliver outside the lock; a subscriber leaving during the loop sees at most one
	// more best-effort delivery attempt
	subscribers, counters := r.snapshot(producerID)
	if len(subscribers) == 0 {
		return 0
	}
	atomic.AddUint64(&counters.published, 1)

	delivered := 0
	var failed []Subscriber
	for _, sub := range subscribers {
		if err := sub.Deliver(frame); err != nil {
			if ok, skipped := r.failureLogs.Allow(); ok {
				log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Warnf(
					"Unable to deliver %s record to %s (%d similar suppressed)",
					producerID, sub.SubscriberID(), skipped,
				)
			}
			failed = append(failed, sub)
			continue
		}
		delivered++
	}
	atomic.AddUint64(&counters.delivered, uint64(delivered))

	if len(failed) > 0 {
		atomic.AddUint64(&counters.failed, uint64(len(failed)))
		r.lock.Lock()
		for _, sub := range failed {
			// Only evict the exact handle which failed
			current, ok := r.byProducer[producerID][sub.SubscriberID()]
			if ok && current == sub {
				r.removeSubscriber(sub.SubscriberID())
			}
		}
		r.lock.Unlock()
	}
	return delivered
}

// SubscriberCount number of subscribers of producerID
func (r *registryImpl) SubscriberCount(producerID string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byProducer[producerID])
}

// Subscriptions snapshot of producer identifier to sorted subscriber IDs
func (r *registryImpl) Subscriptions() map[string][]string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string][]string, len(r.byProducer))
	for producerID, subscribers := range r.byProducer {
		ids := make([]string, 0, len(subscribers))
		for subscriberID := range subscribers {
			ids = append(ids, subscriberID)
		}
		sort.Strings(ids)
		result[producerID] = ids
	}
	return result
}

// Stats snapshot of the registry counters
func (r *registryImpl) Stats() RegistryStats {
	r.lock.RLock()
	subscriberCount := len(r.bySubscriber)
	r.lock.RUnlock()

	r.statsLock.Lock()
	defer r.statsLock.Unlock()
	producers := make(map[string]ProducerStats, len(r.counters))
	for producerID, counters := range r.counters {
		producers[producerID] = ProducerStats{
			Published: atomic.LoadUint64(&counters.published),
			Delivered: atomic.LoadUint64(&counters.delivered),
			Failed:    atomic.LoadUint64(&counters.failed),
		}
	}
	return RegistryStats{Subscribers: subscriberCount, Producers: producers}
}
