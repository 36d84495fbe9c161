// Package messaging implements component G, the messaging gateway:
// named channels routed through a load balancer, correlation-tracked
// requests with partial/final/error replies, backpressure, failover,
// and affinity-ordered worker dispatch (spec §4.G).
package messaging
