package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
	"github.com/amura2406/songshake/internal/testutil"
)

func failedTrack(videoID, title string) *model.Track {
	return &model.Track{
		VideoID:      videoID,
		Title:        title,
		Artists:      "Artist",
		Album:        "Album",
		Status:       model.TrackStatusError,
		ErrorMessage: "Download failed",
		IsMusic:      true,
		URL:          model.WatchURL(videoID),
	}
}

func TestRetryEngine(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, seed ...*model.Track) (*RetryEngine, *testutil.FakeCatalog, *testutil.FakeEnricher, *store.SQLiteStore) {
		catalog := testutil.NewFakeCatalog()
		enricher := testutil.NewFakeEnricher()
		tracks := setupTrackStore(t)
		for _, track := range seed {
			require.NoError(t, tracks.SaveTrack(ctx, track, "user"))
		}
		return NewRetryEngine(catalog, enricher, tracks, testPricing, logging.Discard()), catalog, enricher, tracks
	}

	t.Run("retries every failed track", func(t *testing.T) {
		engine, _, _, tracks := setup(t, failedTrack("v1", "Track 1"), failedTrack("v2", "Track 2"))

		rec := &recorder{t: t}
		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, rec.record)
		require.NoError(t, err)

		require.Len(t, result.Tracks, 2)
		for _, track := range result.Tracks {
			assert.Equal(t, model.TrackStatusSuccess, track.Status)
			assert.Empty(t, track.ErrorMessage)
			assert.Equal(t, []string{"Pop"}, track.Genres)
		}

		stored, err := tracks.GetTrack(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, model.TrackStatusSuccess, stored.Status)
		assert.Equal(t, model.MessageRetryDone, rec.last().Message)
		assert.Equal(t, 2, rec.last().Current)
	})

	t.Run("unplayable with and without an alternative", func(t *testing.T) {
		ok := &model.Track{VideoID: "fine", Title: "Untouched", Artists: "Artist", Status: model.TrackStatusSuccess, Genres: []string{"Jazz"}}
		engine, catalog, enricher, tracks := setup(t,
			failedTrack("v1", "Unavailable Song"),
			failedTrack("v2", "Lost Song"),
			ok,
		)
		catalog.Metadata["v1"] = &model.TrackMetadata{VideoID: "v1", IsMusic: true, Playable: false}
		catalog.Metadata["v2"] = &model.TrackMetadata{VideoID: "v2", IsMusic: true, Playable: false}
		catalog.Alternates["Unavailable Song Artist"] = "ALT_VIDEO_ID"

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)

		got := byID(result.Tracks)
		require.Len(t, got, 2)

		assert.Equal(t, model.TrackStatusSuccess, got["v1"].Status)
		assert.Equal(t, "ALT_VIDEO_ID", got["v1"].PlayableVideoID)
		assert.Equal(t, model.WatchURL("ALT_VIDEO_ID"), got["v1"].URL)

		assert.Equal(t, model.TrackStatusError, got["v2"].Status)
		assert.Equal(t, "unplayable and no alternative found", got["v2"].ErrorMessage)

		stored, err := tracks.GetTrack(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", stored.VideoID)
		assert.Equal(t, "ALT_VIDEO_ID", stored.PlayableVideoID)

		untouched, err := tracks.GetTrack(ctx, "fine")
		require.NoError(t, err)
		assert.Equal(t, []string{"Jazz"}, untouched.Genres)

		calls := enricher.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "ALT_VIDEO_ID", calls[0].VideoID)
		assert.Equal(t, "Unavailable Song", calls[0].Title)
	})

	t.Run("replaced media is detected by title", func(t *testing.T) {
		engine, catalog, _, tracks := setup(t, failedTrack("v1", "Time Goes By"))
		catalog.Metadata["v1"] = &model.TrackMetadata{VideoID: "v1", Title: "Completely Different Song", IsMusic: true, Playable: true}
		catalog.Metadata["ALT_VIDEO_ID"] = &model.TrackMetadata{VideoID: "ALT_VIDEO_ID", Title: "Time Goes By", IsMusic: true, Playable: true, Year: "2019"}
		catalog.Alternates["Time Goes By Artist"] = "ALT_VIDEO_ID"

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)

		require.Len(t, result.Tracks, 1)
		track := result.Tracks[0]
		assert.Equal(t, model.TrackStatusSuccess, track.Status)
		assert.Equal(t, "Time Goes By", track.Title)
		assert.Equal(t, "2019", track.Year)

		stored, err := tracks.GetTrack(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "ALT_VIDEO_ID", stored.PlayableVideoID)
	})

	t.Run("title match ignores case", func(t *testing.T) {
		engine, catalog, _, _ := setup(t, failedTrack("v1", "Time Goes By"))
		catalog.Metadata["v1"] = &model.TrackMetadata{VideoID: "v1", Title: "TIME GOES BY", IsMusic: true, Playable: true}

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)
		require.Len(t, result.Tracks, 1)
		assert.Equal(t, model.TrackStatusSuccess, result.Tracks[0].Status)
		assert.Empty(t, result.Tracks[0].PlayableVideoID)
		assert.Empty(t, catalog.Searches())
	})

	t.Run("replaced without alternative", func(t *testing.T) {
		engine, catalog, _, _ := setup(t, failedTrack("v1", "Time Goes By"))
		catalog.Metadata["v1"] = &model.TrackMetadata{VideoID: "v1", Title: "Other", IsMusic: true, Playable: true}

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)
		require.Len(t, result.Tracks, 1)
		assert.Equal(t, "replaced and no alternative found", result.Tracks[0].ErrorMessage)
	})

	t.Run("unplayable takes precedence over a changed title", func(t *testing.T) {
		engine, catalog, _, _ := setup(t, failedTrack("v1", "Time Goes By"))
		catalog.Metadata["v1"] = &model.TrackMetadata{VideoID: "v1", Title: "Other", IsMusic: true, Playable: false}

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)
		require.Len(t, result.Tracks, 1)
		assert.Equal(t, "unplayable and no alternative found", result.Tracks[0].ErrorMessage)
		assert.Equal(t, 0, result.Succeeded)
		assert.Equal(t, 1, result.Failed)
	})

	t.Run("partial failure updates both tracks", func(t *testing.T) {
		engine, _, enricher, tracks := setup(t, failedTrack("v1", "Good Track"), failedTrack("v2", "Bad Track"))
		enricher.Panics["v2"] = true

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)
		assert.Len(t, result.Tracks, 2)

		v1, err := tracks.GetTrack(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, model.TrackStatusSuccess, v1.Status)

		v2, err := tracks.GetTrack(ctx, "v2")
		require.NoError(t, err)
		assert.Equal(t, model.TrackStatusError, v2.Status)
		assert.Contains(t, v2.ErrorMessage, "panic")
	})

	t.Run("metadata failure keeps the track in error", func(t *testing.T) {
		engine, catalog, enricher, _ := setup(t, failedTrack("v1", "Track 1"))
		catalog.MetadataErr["v1"] = errors.New("catalog timeout")

		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, nil)
		require.NoError(t, err)
		require.Len(t, result.Tracks, 1)
		assert.Equal(t, model.TrackStatusError, result.Tracks[0].Status)
		assert.Contains(t, result.Tracks[0].ErrorMessage, "catalog timeout")
		assert.Empty(t, enricher.Calls())
	})

	t.Run("specific video ids", func(t *testing.T) {
		engine, _, _, tracks := setup(t, failedTrack("v1", "Track 1"), failedTrack("v2", "Track 2"))

		result, err := engine.Run(ctx, RetryRequest{Owner: "user", VideoIDs: []string{"v1"}}, nil, nil)
		require.NoError(t, err)
		require.Len(t, result.Tracks, 1)
		assert.Equal(t, "v1", result.Tracks[0].VideoID)

		v2, err := tracks.GetTrack(ctx, "v2")
		require.NoError(t, err)
		assert.Equal(t, model.TrackStatusError, v2.Status)
	})

	t.Run("no failed tracks", func(t *testing.T) {
		engine, _, enricher, _ := setup(t, &model.Track{VideoID: "v1", Title: "Done", Status: model.TrackStatusSuccess})

		rec := &recorder{t: t}
		result, err := engine.Run(ctx, RetryRequest{Owner: "user"}, nil, rec.record)
		require.NoError(t, err)
		assert.Empty(t, result.Tracks)
		assert.Empty(t, enricher.Calls())
		assert.Equal(t, model.MessageRetryDone, rec.last().Message)
	})

	t.Run("other owners' failures are not retried", func(t *testing.T) {
		engine, _, enricher, _ := setup(t, failedTrack("v1", "Track 1"))

		result, err := engine.Run(ctx, RetryRequest{Owner: "someone-else"}, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Tracks)
		assert.Empty(t, enricher.Calls())
	})
}
