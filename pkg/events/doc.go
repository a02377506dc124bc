/*
Package events provides an in-memory broker for registry change
notifications.

The registry publishes an Event whenever a worker type or AMI set is
created, updated or removed, when an instance reports that it started
and when the reconciler expires a secret. Publishing never blocks: the
broker buffers 100 events and each subscriber 50, and a subscriber that
falls behind misses events instead of stalling the registry.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		fmt.Println(event.Type, event.Metadata["workerType"])
	}

Subscribe(events.EventInstanceStarted) restricts a subscription to the
given types. Published and dropped deliveries are counted per type in
provisioner_events_published_total and provisioner_events_dropped_total.

Use Discard where no broker is wired.
*/
package events
