package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
	"github.com/amura2406/songshake/internal/testutil"
)

var testPricing = config.PricingConfig{
	InputPerMillion:  0.50,
	OutputPerMillion: 3.00,
	PerSearchQuery:   0.014,
}

func setupTrackStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects ticks and checks that progress never goes backwards.
type recorder struct {
	t     *testing.T
	ticks []Tick
}

func (r *recorder) record(tick Tick) {
	if n := len(r.ticks); n > 0 {
		assert.GreaterOrEqual(r.t, tick.Current, r.ticks[n-1].Current, "progress went backwards")
	}
	r.ticks = append(r.ticks, tick)
}

func (r *recorder) last() Tick {
	require.NotEmpty(r.t, r.ticks)
	return r.ticks[len(r.ticks)-1]
}

func byID(tracks []*model.Track) map[string]*model.Track {
	m := make(map[string]*model.Track, len(tracks))
	for _, t := range tracks {
		m[t.VideoID] = t
	}
	return m
}

func TestUsageTracker(t *testing.T) {
	tracker := NewUsageTracker(testPricing)
	assert.True(t, tracker.Snapshot().IsZero())

	tracker.Add(model.EnrichmentUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, SearchQueries: 10})
	u := tracker.Snapshot()
	assert.Equal(t, int64(1_000_000), u.InputTokens)
	assert.Equal(t, int64(1_000_000), u.OutputTokens)
	assert.InDelta(t, 0.50+3.00+0.14, u.Cost, 1e-9)
}

func TestRunner(t *testing.T) {
	ctx := context.Background()

	newRunner := func(t *testing.T) (*Runner, *testutil.FakeCatalog, *testutil.FakeEnricher, *store.SQLiteStore) {
		catalog := testutil.NewFakeCatalog()
		enricher := testutil.NewFakeEnricher()
		tracks := setupTrackStore(t)
		return NewRunner(catalog, enricher, tracks, testPricing, logging.Discard()), catalog, enricher, tracks
	}

	t.Run("enriches new tracks", func(t *testing.T) {
		runner, catalog, enricher, tracks := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{
			testutil.Track("v1", "Song A", "Art A"),
			testutil.Track("v2", "Song B", "Art B"),
		}

		rec := &recorder{t: t}
		result, err := runner.Run(ctx, RunRequest{JobID: "j", PlaylistID: "PL1", Owner: "alice"}, nil, rec.record)
		require.NoError(t, err)

		require.Len(t, result.Tracks, 2)
		for _, track := range result.Tracks {
			assert.Equal(t, model.TrackStatusSuccess, track.Status)
			assert.Equal(t, []string{"Pop"}, track.Genres)
			assert.Equal(t, "2024", track.Year)
		}
		assert.Len(t, enricher.Calls(), 2)
		assert.Equal(t, "Art A", enricher.Calls()[0].Artist)

		owned, err := tracks.ListTracks(ctx, "alice", "")
		require.NoError(t, err)
		assert.Len(t, owned, 2)

		final := rec.last()
		assert.Equal(t, 2, final.Current)
		assert.Equal(t, 2, final.Total)
		assert.Equal(t, model.MessageEnrichmentDone, final.Message)
		assert.Equal(t, int64(300), final.Usage.Tokens())
		assert.InDelta(t, 200.0/1e6*0.5+100.0/1e6*3+4*0.014, final.Usage.Cost, 1e-9)
		assert.Equal(t, final.Usage, result.Usage)
		assert.Equal(t, 2, result.Succeeded)
		assert.Zero(t, result.Failed)
	})

	t.Run("cached tracks are relinked without enrichment", func(t *testing.T) {
		runner, catalog, enricher, tracks := newRunner(t)
		require.NoError(t, tracks.SaveTrack(ctx, &model.Track{VideoID: "cached1", Title: "Old Song", Status: model.TrackStatusSuccess}, "bob"))
		catalog.Playlists["PL1"] = []model.PlaylistTrack{
			testutil.Track("cached1", "Old Song", "Art"),
			testutil.Track("new1", "New Song", "Art"),
		}

		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, nil)
		require.NoError(t, err)

		require.Len(t, result.Tracks, 1)
		assert.Equal(t, "new1", result.Tracks[0].VideoID)
		require.Len(t, enricher.Calls(), 1)
		assert.Equal(t, "new1", enricher.Calls()[0].VideoID)

		owned, err := tracks.ListTracks(ctx, "alice", "")
		require.NoError(t, err)
		assert.Contains(t, byID(owned), "cached1")
	})

	t.Run("rerun over enriched playlist never calls the enricher", func(t *testing.T) {
		runner, catalog, enricher, tracks := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{
			testutil.Track("v1", "A", "X"),
			testutil.Track("v2", "B", "Y"),
		}

		_, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, nil)
		require.NoError(t, err)
		require.Len(t, enricher.Calls(), 2)

		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "bob"}, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Tracks)
		assert.Len(t, enricher.Calls(), 2)

		owned, err := tracks.ListTracks(ctx, "bob", "")
		require.NoError(t, err)
		assert.Len(t, owned, 2)
	})

	t.Run("full rescan reprocesses cached tracks without deleting", func(t *testing.T) {
		runner, catalog, enricher, tracks := newRunner(t)
		require.NoError(t, tracks.SaveTrack(ctx, &model.Track{VideoID: "v1", Title: "Old", Genres: []string{"Rock"}, Status: model.TrackStatusSuccess}, "bob"))
		require.NoError(t, tracks.SaveTrack(ctx, &model.Track{VideoID: "other", Title: "Keep me", Status: model.TrackStatusSuccess}, "bob"))
		catalog.Playlists["PL1"] = []model.PlaylistTrack{testutil.Track("v1", "Song A", "Art A")}

		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice", FullRescan: true}, nil, nil)
		require.NoError(t, err)
		assert.Len(t, result.Tracks, 1)
		assert.Len(t, enricher.Calls(), 1)

		_, err = tracks.GetTrack(ctx, "other")
		assert.NoError(t, err)
	})

	t.Run("non-music tracks skip enrichment", func(t *testing.T) {
		runner, catalog, enricher, _ := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{testutil.Track("nm1", "Tutorial Video", "Channel")}
		catalog.Metadata["nm1"] = &model.TrackMetadata{VideoID: "nm1", IsMusic: false, Playable: true}

		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, nil)
		require.NoError(t, err)

		require.Len(t, result.Tracks, 1)
		assert.Equal(t, model.TrackStatusNonMusic, result.Tracks[0].Status)
		assert.False(t, result.Tracks[0].IsMusic)
		assert.Empty(t, enricher.Calls())
	})

	t.Run("per-track failures never abort the job", func(t *testing.T) {
		runner, catalog, enricher, tracks := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{
			testutil.Track("err1", "Reported", "A"),
			testutil.Track("boom", "Panics", "A"),
			testutil.Track("meta", "No Metadata", "A"),
			testutil.Track("ok", "Fine", "A"),
		}
		enricher.Errors["err1"] = "AI model failed"
		enricher.Panics["boom"] = true
		catalog.MetadataErr["meta"] = errors.New("catalog timeout")

		rec := &recorder{t: t}
		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, rec.record)
		require.NoError(t, err)

		got := byID(result.Tracks)
		require.Len(t, got, 4)
		assert.Equal(t, model.TrackStatusError, got["err1"].Status)
		assert.Equal(t, "AI model failed", got["err1"].ErrorMessage)
		assert.Equal(t, model.TrackStatusError, got["boom"].Status)
		assert.Contains(t, got["boom"].ErrorMessage, "enricher exploded")
		assert.Equal(t, model.TrackStatusError, got["meta"].Status)
		assert.Contains(t, got["meta"].ErrorMessage, "catalog timeout")
		assert.Equal(t, model.TrackStatusSuccess, got["ok"].Status)

		stored, err := tracks.GetTrack(ctx, "err1")
		require.NoError(t, err)
		assert.Equal(t, model.TrackStatusError, stored.Status)

		var errorTicks int
		for _, tick := range rec.ticks {
			if tick.Track != nil && tick.Track.Status == model.TrackStatusError {
				errorTicks++
			}
		}
		assert.Equal(t, 3, errorTicks)
		assert.Equal(t, 4, rec.last().Current)
	})

	t.Run("tracks without an id are skipped", func(t *testing.T) {
		runner, catalog, enricher, _ := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{{Title: "No ID Track"}}

		rec := &recorder{t: t}
		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, rec.record)
		require.NoError(t, err)
		assert.Empty(t, result.Tracks)
		assert.Empty(t, enricher.Calls())
		assert.Equal(t, 1, rec.last().Current)
	})

	t.Run("empty playlist completes", func(t *testing.T) {
		runner, _, _, _ := newRunner(t)

		rec := &recorder{t: t}
		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL_EMPTY", Owner: "alice"}, nil, rec.record)
		require.NoError(t, err)
		assert.Empty(t, result.Tracks)
		assert.Equal(t, 0, rec.last().Total)
	})

	t.Run("playlist fetch failure is fatal", func(t *testing.T) {
		runner, catalog, _, _ := newRunner(t)
		catalog.PlaylistErr = errors.New("proxy down")

		_, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, nil, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCancelled)
		assert.Contains(t, err.Error(), "proxy down")
	})

	t.Run("cancellation stops at the next track boundary", func(t *testing.T) {
		runner, catalog, enricher, _ := newRunner(t)
		var items []model.PlaylistTrack
		for _, id := range []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10", "t11"} {
			items = append(items, testutil.Track(id, "Song "+id, "A"))
		}
		catalog.Playlists["PL1"] = items

		stop := make(chan struct{})
		enricher.OnEnrich = func(videoID string) {
			if videoID == "t1" {
				close(stop)
			}
		}

		rec := &recorder{t: t}
		result, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, stop, rec.record)
		require.ErrorIs(t, err, ErrCancelled)

		// t1 was in flight when the signal fired and still finishes.
		require.Len(t, result.Tracks, 2)
		assert.Equal(t, "t1", result.Tracks[1].VideoID)
		assert.Len(t, enricher.Calls(), 2)
		assert.Equal(t, 2, rec.last().Current)
		assert.Equal(t, int64(300), result.Usage.Tokens())
	})

	t.Run("signal fired before start", func(t *testing.T) {
		runner, catalog, enricher, _ := newRunner(t)
		catalog.Playlists["PL1"] = []model.PlaylistTrack{testutil.Track("v1", "A", "B")}

		stop := make(chan struct{})
		close(stop)

		_, err := runner.Run(ctx, RunRequest{PlaylistID: "PL1", Owner: "alice"}, stop, nil)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Empty(t, enricher.Calls())
	})
}
