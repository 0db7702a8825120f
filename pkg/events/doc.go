/*
Package events backs the ConnectWorker RPC (spec section 6): a per-worker
publish/subscribe broker that fans out invocation-lifecycle and log events to every
caller currently streaming that worker, without coupling the worker engine to any
particular transport.

# Flow

	pkg/worker.Instance  --Publish(Event{Worker, Type, Message})--> Broker.eventCh
	                                                                    │
	                                                               Broker.run()
	                                                                    │
	                                                        fan-out to Subscribers
	                                                         watching that WorkerId
	                                                                    │
	                                                  pkg/executor's ConnectWorker
	                                                  handler streams to the caller

Publish is non-blocking per subscriber: a stream that falls behind drops events
rather than stalling publication for every other caller. Subscribe/Unsubscribe are
scoped per worker so unrelated workers' streams never see each other's events.
*/
package events
