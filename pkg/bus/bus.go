// Package bus implements the durable swarm event/job bus on Redis
// Streams. Each concrete subject is a stream; durable consumers are
// consumer groups, ack is XACK, and a nak is simply a message left in
// the pending entries list to be reclaimed after an idle window.
// Delivery is at-least-once and FIFO per subject for a single consumer
// instance; cross-subject ordering is not guaranteed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "swarmbus:subj:"
	subjectsKeyPrefix = "swarmbus:subjects:"
	activeSubjectsKey = "swarmbus:active_subjects"
	delayKeyPrefix    = "swarmbus:delay:"
)

// Config tunes the bus. Zero values fall back to the defaults below.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxDeliver is the poison-pill cap: a message delivered more than
	// this many times is dropped after logging.
	MaxDeliver int64
	// MaxAge and MaxMsgs bound per-subject retention (first to trip wins).
	MaxAge  time.Duration
	MaxMsgs int64
	// PublishAttempts bounds the publish retry loop.
	PublishAttempts uint
	// RedeliverAfter is the idle window before a pending (nak'd) message
	// is reclaimed.
	RedeliverAfter time.Duration
}

// DefaultConfig returns production defaults: 7 day / 500 MB-equivalent
// retention, 5 max deliveries, 3 publish attempts.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		MaxDeliver:      5,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         500_000,
		PublishAttempts: 3,
		RedeliverAfter:  time.Second,
	}
}

// Bus is a shared per-process connection to the swarm bus.
type Bus struct {
	rdb      *redis.Client
	cfg      Config
	log      *slog.Logger
	instance string

	trimMu   sync.Mutex
	lastTrim map[string]time.Time
}

// New connects to Redis and returns a Bus. The connection is verified
// with a ping so startup fails fast on a misconfigured address.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Bus, error) {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = def.MaxMsgs
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = def.PublishAttempts
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = def.RedeliverAfter
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", cfg.Addr, err)
	}
	return &Bus{
		rdb:      rdb,
		cfg:      cfg,
		log:      log,
		instance: uuid.NewString()[:8],
		lastTrim: make(map[string]time.Time),
	}, nil
}

// NewWithClient wraps an existing Redis client (tests use miniredis).
func NewWithClient(rdb *redis.Client, cfg Config, log *slog.Logger) *Bus {
	b, _ := NewFromParts(rdb, cfg, log)
	return b
}

// NewFromParts is New without the dial; it never fails unless rdb is nil.
func NewFromParts(rdb *redis.Client, cfg Config, log *slog.Logger) (*Bus, error) {
	if rdb == nil {
		return nil, errors.New("bus: nil redis client")
	}
	def := DefaultConfig()
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = def.MaxMsgs
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = def.PublishAttempts
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = def.RedeliverAfter
	}
	return &Bus{
		rdb:      rdb,
		cfg:      cfg,
		log:      log,
		instance: uuid.NewString()[:8],
		lastTrim: make(map[string]time.Time),
	}, nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func streamKey(subject string) string {
	return keyPrefix + subject
}

// EnsureStream registers the subject set of a named stream. Idempotent;
// calling again with new subjects extends the set.
func (b *Bus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	if len(subjects) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(subjects))
	for _, s := range subjects {
		members = append(members, s)
	}
	if err := b.rdb.SAdd(ctx, subjectsKeyPrefix+name, members...).Err(); err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", name, err)
	}
	return nil
}

// Publish appends payload to the subject's stream with bounded
// exponential-backoff retry. Returns the broker-assigned sequence id.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) (string, error) {
	if isWildcard(subject) {
		return "", fmt.Errorf("bus: cannot publish to wildcard subject %q", subject)
	}
	op := func() (string, error) {
		pipe := b.rdb.TxPipeline()
		add := pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(subject),
			MaxLen: b.cfg.MaxMsgs,
			Approx: true,
			Values: map[string]interface{}{"subject": subject, "data": payload},
		})
		pipe.SAdd(ctx, activeSubjectsKey, subject)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", err
		}
		return add.Val(), nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	id, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(b.cfg.PublishAttempts))
	if err != nil {
		return "", fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	b.maybeTrim(ctx, subject)
	return id, nil
}

// PublishJSON marshals v and publishes it.
func (b *Bus) PublishJSON(ctx context.Context, subject string, v interface{}) (string, error) {
	data, err := marshalJSON(v)
	if err != nil {
		return "", fmt.Errorf("bus: encode for %s: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}

// maybeTrim applies the age-based retention bound at most once per hour
// per subject.
func (b *Bus) maybeTrim(ctx context.Context, subject string) {
	b.trimMu.Lock()
	last, ok := b.lastTrim[subject]
	now := time.Now()
	if ok && now.Sub(last) < time.Hour {
		b.trimMu.Unlock()
		return
	}
	b.lastTrim[subject] = now
	b.trimMu.Unlock()

	minID := strconv.FormatInt(now.Add(-b.cfg.MaxAge).UnixMilli(), 10) + "-0"
	if err := b.rdb.XTrimMinIDApprox(ctx, streamKey(subject), minID, 0).Err(); err != nil {
		b.log.Warn("bus: retention trim failed", "subject", subject, "err", err)
	}
}

// resolveSubjects expands a possibly-wildcard pattern into the concrete
// subjects currently known: the stream's registered subject set plus
// every subject that has seen a publish.
func (b *Bus) resolveSubjects(ctx context.Context, stream, pattern string) ([]string, error) {
	if !isWildcard(pattern) {
		return []string{pattern}, nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, key := range []string{subjectsKeyPrefix + stream, activeSubjectsKey} {
		members, err := b.rdb.SMembers(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("bus: resolve subjects: %w", err)
		}
		for _, m := range members {
			if isWildcard(m) || !SubjectMatches(pattern, m) {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Bus) ensureGroup(ctx context.Context, subject, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(subject), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, subject, err)
	}
	return nil
}

// ConsumeOpts tunes a single Consume call.
type ConsumeOpts struct {
	MaxMessages int
	Timeout     time.Duration
}

// Consume pulls up to MaxMessages messages for a durable consumer and
// runs the handler on each. Successful handling acks; a handler error
// naks (the message stays pending and is reclaimed later). Messages
// past the delivery cap are dropped after logging. Returns the number
// of successfully processed messages.
func (b *Bus) Consume(ctx context.Context, stream, pattern, consumerName string, handler Handler, opts ConsumeOpts) (int, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	subjects, err := b.resolveSubjects(ctx, stream, pattern)
	if err != nil {
		return 0, err
	}
	if len(subjects) == 0 {
		return 0, nil
	}
	for _, s := range subjects {
		if err := b.ensureGroup(ctx, s, consumerName); err != nil {
			return 0, err
		}
	}

	processed := 0
	// Redeliveries first so a nak'd message is not starved by new traffic.
	for _, s := range subjects {
		n, err := b.claimPending(ctx, s, consumerName, handler, opts.MaxMessages-processed)
		if err != nil {
			return processed, err
		}
		processed += n
		if processed >= opts.MaxMessages {
			return processed, nil
		}
	}

	streams := make([]string, 0, len(subjects)*2)
	for _, s := range subjects {
		streams = append(streams, streamKey(s))
	}
	for range subjects {
		streams = append(streams, ">")
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerName,
		Consumer: consumerName + "." + b.instance,
		Streams:  streams,
		Count:    int64(opts.MaxMessages - processed),
		Block:    opts.Timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return processed, nil
		}
		return processed, fmt.Errorf("bus: read group %s: %w", consumerName, err)
	}
	for _, xs := range res {
		subject := strings.TrimPrefix(xs.Stream, keyPrefix)
		for _, xm := range xs.Messages {
			if b.handleOne(ctx, subject, consumerName, xm, 1, handler) {
				processed++
			}
		}
	}
	return processed, nil
}

// claimPending reclaims messages idle past the redelivery window,
// honoring per-message nak-with-delay holds and the poison cap.
func (b *Bus) claimPending(ctx context.Context, subject, group string, handler Handler, budget int) (int, error) {
	if budget <= 0 {
		return 0, nil
	}
	pend, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(subject),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(budget) * 4,
		Idle:   b.cfg.RedeliverAfter,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("bus: pending %s: %w", subject, err)
	}
	processed := 0
	now := time.Now().UnixMilli()
	for _, p := range pend {
		if processed >= budget {
			break
		}
		holdField := subject + "|" + p.ID
		notBefore, _ := b.rdb.HGet(ctx, delayKeyPrefix+group, holdField).Int64()
		if notBefore > now {
			continue
		}
		if p.RetryCount >= b.cfg.MaxDeliver {
			// Poison pill: record and drop.
			b.log.Error("bus: dropping poison message", "subject", subject, "id", p.ID, "deliveries", p.RetryCount)
			_ = b.rdb.XAck(ctx, streamKey(subject), group, p.ID).Err()
			_ = b.rdb.HDel(ctx, delayKeyPrefix+group, holdField).Err()
			continue
		}
		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey(subject),
			Group:    group,
			Consumer: group + "." + b.instance,
			MinIdle:  b.cfg.RedeliverAfter,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return processed, fmt.Errorf("bus: claim %s/%s: %w", subject, p.ID, err)
		}
		for _, xm := range claimed {
			if b.handleOne(ctx, subject, group, xm, p.RetryCount+1, handler) {
				processed++
			}
		}
	}
	return processed, nil
}

// handleOne runs the handler and performs ack / nak bookkeeping.
// Returns true when the message was processed and acked.
func (b *Bus) handleOne(ctx context.Context, subject, group string, xm redis.XMessage, deliveries int64, handler Handler) bool {
	data, _ := xm.Values["data"].(string)
	msg := &Msg{Subject: subject, ID: xm.ID, Data: []byte(data), Deliveries: deliveries}
	holdField := subject + "|" + xm.ID

	err := handler(msg)
	if err == nil {
		if ackErr := b.rdb.XAck(ctx, streamKey(subject), group, xm.ID).Err(); ackErr != nil {
			b.log.Warn("bus: ack failed", "subject", subject, "id", xm.ID, "err", ackErr)
		}
		_ = b.rdb.HDel(ctx, delayKeyPrefix+group, holdField).Err()
		return true
	}
	if delay, ok := RetryDelay(err); ok {
		notBefore := time.Now().Add(delay).UnixMilli()
		if hErr := b.rdb.HSet(ctx, delayKeyPrefix+group, holdField, notBefore).Err(); hErr != nil {
			b.log.Warn("bus: delay hold failed", "subject", subject, "id", xm.ID, "err", hErr)
		}
		b.log.Debug("bus: nak with delay", "subject", subject, "id", xm.ID, "delay", delay)
		return false
	}
	b.log.Warn("bus: handler failed, message nak'd", "subject", subject, "id", xm.ID, "deliveries", deliveries, "err", err)
	return false
}

// Subscribe runs a durable push-style subscription: a consume loop that
// survives transport errors with exponential backoff (1s up to 30s).
// Blocks until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, stream, pattern, consumerName string, handler Handler) error {
	wait := time.Second
	const maxWait = 30 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := b.Consume(ctx, stream, pattern, consumerName, handler, ConsumeOpts{MaxMessages: 16, Timeout: time.Second})
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("bus: subscription error, backing off", "consumer", consumerName, "wait", wait, "err", err)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
		case n == 0:
			// Idle: the blocking read already waited; nothing extra to do.
			wait = time.Second
		default:
			wait = time.Second
		}
	}
}

// SubscribeEphemeral delivers messages published after the call without
// creating any durable consumer state. Blocks until ctx is cancelled.
func (b *Bus) SubscribeEphemeral(ctx context.Context, stream, pattern string, handler Handler) error {
	cursors := make(map[string]string)
	for {
		if ctx.Err() != nil {
			return nil
		}
		subjects, err := b.resolveSubjects(ctx, stream, pattern)
		if err != nil {
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(subjects) == 0 {
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}
		// Pin every new subject to its current tail so existing history
		// is never replayed, even when the subject appears mid-stream.
		pinned := true
		for _, s := range subjects {
			if _, ok := cursors[s]; ok {
				continue
			}
			tail, err := b.streamTail(ctx, s)
			if err != nil {
				pinned = false
				break
			}
			cursors[s] = tail
		}
		if !pinned {
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		streams := make([]string, 0, len(subjects)*2)
		for _, s := range subjects {
			streams = append(streams, streamKey(s))
		}
		for _, s := range subjects {
			streams = append(streams, cursors[s])
		}
		res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: streams,
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for _, xs := range res {
			subject := strings.TrimPrefix(xs.Stream, keyPrefix)
			for _, xm := range xs.Messages {
				data, _ := xm.Values["data"].(string)
				if err := handler(&Msg{Subject: subject, ID: xm.ID, Data: []byte(data), Deliveries: 1}); err != nil {
					b.log.Warn("bus: ephemeral handler error", "subject", subject, "err", err)
				}
				cursors[subject] = xm.ID
			}
		}
	}
}

// streamTail returns the id of a subject's newest entry, or "0-0" for
// an empty or not-yet-created stream, so a fresh subscription starts
// strictly after everything already published.
func (b *Bus) streamTail(ctx context.Context, subject string) (string, error) {
	last, err := b.rdb.XRevRangeN(ctx, streamKey(subject), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
