// Package broker provides the Redis-backed work queues that connect the
// pipeline stages. Each stage owns a ready list and an in-flight sorted set
// scored by redelivery deadline, so a worker crash surfaces the message
// again once its visibility timeout lapses.
package broker
