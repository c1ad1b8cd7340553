package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/store"
)

// CubeRetriever is the application-facing façade over RequestScheduler
// (spec.md §2: "Application → CubeRetriever → RequestScheduler →
// NetworkPeer.send → Transport"). It adds nothing to the scheduler's
// contract beyond batching multiple keys concurrently.
type CubeRetriever struct {
	scheduler *RequestScheduler
}

func NewCubeRetriever(s *RequestScheduler) *CubeRetriever {
	return &CubeRetriever{scheduler: s}
}

// Get fetches a single cube, using the store if already present.
func (r *CubeRetriever) Get(ctx context.Context, key overlay.CubeKey) (store.CubeInfo, error) {
	return r.scheduler.RequestCube(ctx, key)
}

// GetMany fetches several cubes concurrently, returning results in the
// same order as keys. A failure to fetch one key does not cancel the
// others; its slot holds the error's zero CubeInfo and the overall call
// returns the first error encountered.
func (r *CubeRetriever) GetMany(ctx context.Context, keys []overlay.CubeKey) ([]store.CubeInfo, error) {
	out := make([]store.CubeInfo, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			info, err := r.scheduler.RequestCube(ctx, key)
			if err != nil {
				return err
			}
			out[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Subscribe subscribes to a cube key, fetching any existing copy and
// keeping the subscription renewed.
func (r *CubeRetriever) Subscribe(ctx context.Context, key overlay.CubeKey) (*CubeSubscription, error) {
	return r.scheduler.SubscribeCube(ctx, key)
}

// Notifications fetches notification-flavored cubes addressed to recipient.
func (r *CubeRetriever) Notifications(ctx context.Context, recipient overlay.NotificationKey, minDifficulty uint8) ([]store.CubeInfo, error) {
	return r.scheduler.RequestNotifications(ctx, recipient, minDifficulty)
}
