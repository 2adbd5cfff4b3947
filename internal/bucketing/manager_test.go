package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"smsup-service/internal/config"
)

func TestPhoneBucket_StableAndInRange(t *testing.T) {
	bm := NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{PhoneBuckets: 8, EventBuckets: 4}})

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		p := fmt.Sprintf("66812%06d", i)
		b := bm.PhoneBucket(p)
		assert.Equal(t, b, bm.PhoneBucket(p))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 8)
		seen[b] = true
		assert.Less(t, bm.EventBucket(p), 4)
	}
	assert.Greater(t, len(seen), 4, "phones should spread over buckets")
}

func TestDefaultsWhenUnset(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	assert.Equal(t, 64, bm.PhoneBuckets())
	assert.Less(t, bm.EventBucket("sess-1"), 16)
}

func TestDateBucket_UsesUTC(t *testing.T) {
	bkk := time.FixedZone("ICT", 7*3600)
	at := time.Date(2026, 3, 2, 3, 0, 0, 0, bkk)
	assert.Equal(t, "2026-03-01", DateBucket(at))
}
