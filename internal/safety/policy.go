// Package safety decides whether an account may perform an action and how
// it must be paced, based on account age and the action's risk.
package safety

import (
	"time"

	"fleetbot/internal/task"
)

// Bucket is an account age category.
type Bucket string

const (
	BucketFresh  Bucket = "fresh"  // < 1 day
	BucketNew    Bucket = "new"    // < 7 days
	BucketYoung  Bucket = "young"  // < 30 days
	BucketMature Bucket = "mature" // >= 30 days
)

// BucketFor derives the age bucket. An unknown creation time is treated as fresh.
func BucketFor(createdAt, now time.Time) Bucket {
	if createdAt.IsZero() {
		return BucketFresh
	}
	age := now.Sub(createdAt)
	switch {
	case age < 24*time.Hour:
		return BucketFresh
	case age < 7*24*time.Hour:
		return BucketNew
	case age < 30*24*time.Hour:
		return BucketYoung
	default:
		return BucketMature
	}
}

// Policy is the pacing and volume envelope for one (bucket, kind) pair.
type Policy struct {
	Bucket         Bucket        `json:"bucket"`
	MaxPerDay      int           `json:"max_per_day"`
	MinDelay       time.Duration `json:"min_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	MaxWorkers     int           `json:"max_workers"`
	WarmupRequired bool          `json:"warmup_required"`
	Multiplier     float64       `json:"multiplier"`
}

var basePolicies = map[Bucket]Policy{
	BucketFresh:  {Bucket: BucketFresh, MaxPerDay: 5, MinDelay: 300 * time.Second, MaxDelay: 600 * time.Second, MaxWorkers: 1, WarmupRequired: true},
	BucketNew:    {Bucket: BucketNew, MaxPerDay: 15, MinDelay: 180 * time.Second, MaxDelay: 360 * time.Second, MaxWorkers: 1, WarmupRequired: true},
	BucketYoung:  {Bucket: BucketYoung, MaxPerDay: 30, MinDelay: 90 * time.Second, MaxDelay: 180 * time.Second, MaxWorkers: 2},
	BucketMature: {Bucket: BucketMature, MaxPerDay: 50, MinDelay: 30 * time.Second, MaxDelay: 90 * time.Second, MaxWorkers: 3},
}

var riskMultipliers = map[task.Kind]float64{
	task.KindBroadcastDM:   3.0,
	task.KindJoinChats:     2.0,
	task.KindBroadcast:     1.5,
	task.KindCreateChannel: 1.5,
	task.KindChangeProfile: 1.2,
	task.KindCleanAccount:  1.2,
}

// Multiplier returns the risk multiplier of a kind (1.0 when unlisted).
func Multiplier(kind task.Kind) float64 {
	if m, ok := riskMultipliers[kind]; ok {
		return m
	}
	return 1.0
}

// outbound kinds contact third parties and are gated by warm-up.
var outbound = map[task.Kind]bool{
	task.KindBroadcastDM: true,
	task.KindBroadcast:   true,
	task.KindJoinChats:   true,
}

var forbidden = map[Bucket]map[task.Kind]bool{
	BucketFresh: {task.KindBroadcastDM: true, task.KindBroadcast: true, task.KindJoinChats: true},
	BucketNew:   {task.KindBroadcastDM: true},
}

// Forbidden reports whether a bucket may never perform a kind.
func Forbidden(b Bucket, kind task.Kind) bool { return forbidden[b][kind] }

// PolicyFor scales the bucket's base policy by the kind's risk multiplier.
// Delays grow by the multiplier; the daily cap shrinks by it but never below one.
func PolicyFor(b Bucket, kind task.Kind) Policy {
	p, ok := basePolicies[b]
	if !ok {
		p = basePolicies[BucketFresh]
	}
	m := Multiplier(kind)
	p.Multiplier = m
	p.MinDelay = time.Duration(float64(p.MinDelay) * m)
	p.MaxDelay = time.Duration(float64(p.MaxDelay) * m)
	p.MaxPerDay = max(1, int(float64(p.MaxPerDay)/m))
	return p
}

// Recommendation is operator guidance for configuring a task of one kind.
type Recommendation struct {
	MaxWorkers int           `json:"max_workers"`
	MinDelay   time.Duration `json:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	DailyLimit int           `json:"daily_limit"`
	Warning    string        `json:"warning,omitempty"`
}

var recommendations = map[task.Kind]Recommendation{
	task.KindBroadcastDM: {MaxWorkers: 2, MinDelay: 120 * time.Second, MaxDelay: 300 * time.Second, DailyLimit: 20,
		Warning: "direct messages carry the highest ban risk"},
	task.KindBroadcast:     {MaxWorkers: 5, MinDelay: 45 * time.Second, MaxDelay: 120 * time.Second, DailyLimit: 100},
	task.KindJoinChats:     {MaxWorkers: 3, MinDelay: 30 * time.Second, MaxDelay: 90 * time.Second, DailyLimit: 40},
	task.KindCreateChannel: {MaxWorkers: 2, MinDelay: 60 * time.Second, MaxDelay: 180 * time.Second, DailyLimit: 10},
}

// Recommended returns guidance for a kind.
func Recommended(kind task.Kind) Recommendation {
	if r, ok := recommendations[kind]; ok {
		return r
	}
	return Recommendation{MaxWorkers: 5, MinDelay: 30 * time.Second, MaxDelay: 90 * time.Second, DailyLimit: 50}
}
