/*
Package reconciler runs the executor's periodic defensive sweep over its resident
worker set, evicting any instance whose shard this node no longer owns.

pkg/executor's RevokeShards already evicts synchronously; this sweep exists for the
narrow race where a CreateWorker/Activate call is in flight against a shard just as
its revoke lands, so the new resident briefly outlives the ownership that admitted
it. A sweep on a short, fixed interval bounds how long such a straggler can survive
rather than relying solely on the next touch of that worker to notice.
*/
package reconciler
