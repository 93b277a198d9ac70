package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Crust/pkg/syncmap"
	"github.com/WelcomerTeam/RealRock/bucketstore"
	"go.uber.org/atomic"
)

var (
	StandardIdentifyLimit = 5 * time.Second
	IdentifyRateLimit     = StandardIdentifyLimit + (time.Millisecond * 500)
)

// IdentifyProvider is consulted before every Identify so shards sharing a
// token respect the session start rate limit.
type IdentifyProvider interface {
	Identify(ctx context.Context, shardID int32) error
}

// IdentifyProviderFunc adapts a function to IdentifyProvider.
type IdentifyProviderFunc func(ctx context.Context, shardID int32) error

func (f IdentifyProviderFunc) Identify(ctx context.Context, shardID int32) error {
	return f(ctx, shardID)
}

// IdentifyViaBuckets limits identifies per max_concurrency bucket within a
// single process. Shards sharing shard_id % max_concurrency identify at most
// once per IdentifyRateLimit.
type IdentifyViaBuckets struct {
	bucketStore    *bucketstore.BucketStore
	tokenHash      string
	maxConcurrency *atomic.Int32

	// CreateBucket replaces existing buckets, so each is created once.
	created syncmap.Map[string, struct{}]
}

func NewIdentifyViaBuckets(token string, maxConcurrency int32) *IdentifyViaBuckets {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	method := sha256.New()
	method.Write([]byte(token))

	return &IdentifyViaBuckets{
		bucketStore:    bucketstore.NewBucketStore(),
		tokenHash:      hex.EncodeToString(method.Sum(nil)),
		maxConcurrency: atomic.NewInt32(maxConcurrency),
	}
}

// SetMaxConcurrency updates the session start concurrency reported by
// gateway discovery. Values below one are ignored.
func (i *IdentifyViaBuckets) SetMaxConcurrency(maxConcurrency int32) {
	if maxConcurrency > 0 {
		i.maxConcurrency.Store(maxConcurrency)
	}
}

func (i *IdentifyViaBuckets) MaxConcurrency() int32 {
	return i.maxConcurrency.Load()
}

// BucketName returns the bucket a shard identifies through.
func (i *IdentifyViaBuckets) BucketName(shardID int32) string {
	return fmt.Sprintf("identify:%s:%d", i.tokenHash, shardID%i.maxConcurrency.Load())
}

func (i *IdentifyViaBuckets) Identify(_ context.Context, shardID int32) error {
	bucketName := i.BucketName(shardID)

	i.created.LoadOrCreate(bucketName, func() struct{} {
		i.bucketStore.CreateBucket(bucketName, 1, IdentifyRateLimit)

		return struct{}{}
	})

	err := i.bucketStore.WaitForBucket(bucketName)
	if err != nil {
		return fmt.Errorf("failed to wait for bucket: %w", err)
	}

	return nil
}

// concurrencyAware is implemented by identify providers that follow the
// max_concurrency reported by gateway discovery.
type concurrencyAware interface {
	SetMaxConcurrency(maxConcurrency int32)
}
