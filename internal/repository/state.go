// Package repository defines the persistence and fanout ports the engine
// depends on. Implementations live under internal/infra.
package repository

import (
	"context"
	"time"

	"collaborative-diagram/internal/domain"
)

// Subscription is a live fanout subscription for one room.
type Subscription interface {
	// Events yields envelopes published by any gateway instance, including
	// this one; consumers dedupe by Envelope.Origin.
	Events() <-chan domain.Envelope
	// Close stops the subscription and closes the Events channel.
	Close() error
}

// StateRepository externalizes the cross-instance parts of room state: the
// per-room broadcast bus and the shared lock claims. When it fails, the
// engine degrades to single-instance behavior rather than rejecting events.
type StateRepository interface {
	// Publish sends the envelope to every instance subscribed to the room.
	Publish(ctx context.Context, roomID string, env domain.Envelope) error

	// Subscribe opens the room's fanout channel.
	Subscribe(ctx context.Context, roomID string) (Subscription, error)

	// AcquireLock claims the element across instances. ok is false when a
	// different user holds the claim; owner then names the holder.
	AcquireLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) (ok bool, owner string, err error)

	// RenewLock extends an existing claim owned by userID.
	RenewLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) error

	// ReleaseLock drops the claim if owned by userID.
	ReleaseLock(ctx context.Context, roomID, elementID, userID string) error
}
