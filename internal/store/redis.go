package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amura2406/songshake/internal/model"
)

// createJobScript claims the (playlist, owner) slot and writes the job in
// one atomic step. Returns 0 when the slot is already held.
var createJobScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') == false then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// updateJobScript rewrites a non-terminal job. On a terminal transition it
// releases the slot (if still held by this job) and applies the retention.
// Returns -1 when the job is missing and 0 when it is already terminal.
var updateJobScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
local status = cjson.decode(current)['status']
if status == 'completed' or status == 'error' or status == 'cancelled' then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
if ARGV[4] == '1' then
	if redis.call('GET', KEYS[2]) == ARGV[2] then
		redis.call('DEL', KEYS[2])
	end
	if tonumber(ARGV[5]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
	end
end
return 1
`)

// RedisStore implements [Store] on Redis. Jobs and tracks are JSON
// strings; per-owner indexes are sorted sets; usage is a hash mutated
// with HINCRBY inside MULTI.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a store on client. Terminal jobs expire after
// retention; zero keeps them forever.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the client is shared with the queue and rate limiter
// and is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func activeJobKey(owner, playlistID string) string {
	return fmt.Sprintf("jobs:active:%s:%s", owner, playlistID)
}

func ownerJobsKey(owner string) string {
	return fmt.Sprintf("jobs:owner:%s", owner)
}

func usageKey(owner string) string {
	return fmt.Sprintf("usage:%s", owner)
}

func trackKey(videoID string) string {
	return fmt.Sprintf("track:%s", videoID)
}

func ownerTracksKey(owner string) string {
	return fmt.Sprintf("tracks:owner:%s", owner)
}

func historyKey(owner string) string {
	return fmt.Sprintf("history:%s", owner)
}

func (s *RedisStore) CheckAndCreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	keys := []string{activeJobKey(job.Owner, job.PlaylistID), jobKey(job.ID), ownerJobsKey(job.Owner)}
	created, err := createJobScript.Run(ctx, s.client, keys, job.ID, data, job.UpdatedAt.UnixMilli()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if created == 0 {
		return nil, ErrActiveJobExists
	}

	return job.Clone(), nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(data)
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	terminal := "0"
	if job.Status.IsTerminal() {
		terminal = "1"
	}

	keys := []string{jobKey(job.ID), activeJobKey(job.Owner, job.PlaylistID), ownerJobsKey(job.Owner)}
	res, err := updateJobScript.Run(ctx, s.client, keys,
		data, job.ID, job.UpdatedAt.UnixMilli(), terminal, s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobFinished
	}
	return nil
}

func (s *RedisStore) ListActiveJobs(ctx context.Context, owner string) ([]*model.Job, error) {
	jobs, err := s.ownerJobs(ctx, owner)
	if err != nil {
		return nil, err
	}

	active := []*model.Job{}
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

func (s *RedisStore) ListJobHistory(ctx context.Context, owner string, limit int) ([]*model.Job, error) {
	jobs, err := s.ownerJobs(ctx, owner)
	if err != nil {
		return nil, err
	}

	history := []*model.Job{}
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			history = append(history, job)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].UpdatedAt.After(history[j].UpdatedAt)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// ownerJobs loads every indexed job of owner, pruning ids whose job key
// has expired.
func (s *RedisStore) ownerJobs(ctx context.Context, owner string) ([]*model.Job, error) {
	ids, err := s.client.ZRevRange(ctx, ownerJobsKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	var (
		jobs    []*model.Job
		expired []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, ownerJobsKey(owner), expired...)
	}
	return jobs, nil
}

func decodeJob(data []byte) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Errors == nil {
		job.Errors = []model.JobError{}
	}
	return &job, nil
}

// IncrementUsage applies delta inside MULTI/EXEC so concurrent writers
// for the same owner never lose an increment.
func (s *RedisStore) IncrementUsage(ctx context.Context, owner string, delta model.Usage) (*model.AIUsage, error) {
	key := usageKey(owner)
	now := time.Now().UTC()

	var (
		input, output *redis.IntCmd
		cost          *redis.FloatCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		input = pipe.HIncrBy(ctx, key, "input_tokens", delta.InputTokens)
		output = pipe.HIncrBy(ctx, key, "output_tokens", delta.OutputTokens)
		cost = pipe.HIncrByFloat(ctx, key, "cost", delta.Cost)
		pipe.HSet(ctx, key, "updated_at", now.Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	return &model.AIUsage{
		Owner: owner,
		Usage: model.Usage{
			InputTokens:  input.Val(),
			OutputTokens: output.Val(),
			Cost:         cost.Val(),
		},
		UpdatedAt: now,
	}, nil
}

func (s *RedisStore) GetUsage(ctx context.Context, owner string) (*model.AIUsage, error) {
	fields, err := s.client.HGetAll(ctx, usageKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	usage := &model.AIUsage{Owner: owner}
	if v, ok := fields["input_tokens"]; ok {
		usage.InputTokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["output_tokens"]; ok {
		usage.OutputTokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["cost"]; ok {
		usage.Cost, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["updated_at"]; ok {
		usage.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return usage, nil
}

func (s *RedisStore) GetTrack(ctx context.Context, videoID string) (*model.Track, error) {
	data, err := s.client.Get(ctx, trackKey(videoID)).Bytes()
	if err == redis.Nil {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	var track model.Track
	if err := json.Unmarshal(data, &track); err != nil {
		return nil, fmt.Errorf("failed to unmarshal track: %w", err)
	}
	return &track, nil
}

func (s *RedisStore) SaveTrack(ctx context.Context, track *model.Track, owner string) error {
	now := time.Now().UTC()
	if track.CreatedAt.IsZero() {
		if existing, err := s.GetTrack(ctx, track.VideoID); err == nil {
			track.CreatedAt = existing.CreatedAt
		} else {
			track.CreatedAt = now
		}
	}
	track.UpdatedAt = now

	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to marshal track: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, trackKey(track.VideoID), data, 0)
		if owner != "" {
			pipe.ZAddNX(ctx, ownerTracksKey(owner), redis.Z{Score: float64(now.UnixMilli()), Member: track.VideoID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save track: %w", err)
	}
	return nil
}

func (s *RedisStore) LinkOwner(ctx context.Context, videoID, owner string) error {
	exists, err := s.client.Exists(ctx, trackKey(videoID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check track: %w", err)
	}
	if exists == 0 {
		return ErrTrackNotFound
	}

	z := redis.Z{Score: float64(time.Now().UnixMilli()), Member: videoID}
	if err := s.client.ZAddNX(ctx, ownerTracksKey(owner), z).Err(); err != nil {
		return fmt.Errorf("failed to link track owner: %w", err)
	}
	return nil
}

func (s *RedisStore) ListTracks(ctx context.Context, owner string, status model.TrackStatus) ([]*model.Track, error) {
	ids, err := s.client.ZRange(ctx, ownerTracksKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	tracks := []*model.Track{}
	if len(ids) == 0 {
		return tracks, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = trackKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tracks: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var track model.Track
		if err := json.Unmarshal([]byte(raw), &track); err != nil {
			return nil, fmt.Errorf("failed to unmarshal track: %w", err)
		}
		if status != "" && track.Status != status {
			continue
		}
		tracks = append(tracks, &track)
	}
	return tracks, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, entry *model.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := s.client.LPush(ctx, historyKey(entry.Owner), data).Err(); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *RedisStore) ListHistory(ctx context.Context, owner string) ([]*model.HistoryEntry, error) {
	values, err := s.client.LRange(ctx, historyKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	entries := make([]*model.HistoryEntry, 0, len(values))
	for _, raw := range values {
		var e model.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
