/*
Package events publishes cluster lifecycle events to in-process subscribers.

A Broker fans events out to buffered subscriber channels. A slow subscriber
never blocks the lifecycle: when its buffer is full the event is dropped
for that subscriber only.

Events emitted by a cluster, in the order they normally appear:

	cluster.starting
	service.activated    once per requested capability, at registration
	service.ready        or service.failed
	instance.started
	instance.ready       or instance.failed
	cluster.up
	teardown.step_failed one per failed teardown action
	cluster.down

Metadata always carries "cluster" and, where relevant, "service" or
"instance".
*/
package events
