package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/store"
)

// TrackService lists an owner's catalog.
type TrackService struct {
	tracks store.TrackStore
}

// NewTrackService creates a new track service
func NewTrackService(tracks store.TrackStore) *TrackService {
	return &TrackService{tracks: tracks}
}

// ListTracks returns the owner's linked tracks matching filter. Status is
// applied by the store; tags, tempo bounds and paging are applied here in
// store order. Tracks without a tempo never match a tempo bound.
func (s *TrackService) ListTracks(ctx context.Context, owner string, filter model.TrackFilter) ([]*model.Track, error) {
	tracks, err := s.tracks.ListTracks(ctx, owner, filter.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	matched := make([]*model.Track, 0, len(tracks))
	for _, track := range tracks {
		if matchesFilter(track, filter) {
			matched = append(matched, track)
		}
	}

	if filter.Skip >= len(matched) {
		return []*model.Track{}, nil
	}
	matched = matched[filter.Skip:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesFilter(track *model.Track, filter model.TrackFilter) bool {
	if filter.MinBPM > 0 && (track.BPM == nil || *track.BPM < filter.MinBPM) {
		return false
	}
	if filter.MaxBPM > 0 && (track.BPM == nil || *track.BPM > filter.MaxBPM) {
		return false
	}
	if len(filter.Tags) == 0 {
		return true
	}

	tags := track.Tags()
	for _, tag := range filter.Tags {
		if !tags[tag] {
			return false
		}
	}
	return true
}

// ListTags counts the genres, moods and instruments across the owner's
// tracks, most used first. The Success and Failed pseudo-tags always lead
// the list, even at zero.
func (s *TrackService) ListTags(ctx context.Context, owner string) ([]model.Tag, error) {
	tracks, err := s.tracks.ListTracks(ctx, owner, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	succeeded, failed := 0, 0
	counts := make(map[string]*model.Tag)
	var order []string
	count := func(names []string, tagType model.TagType) {
		for _, name := range names {
			tag, ok := counts[name]
			if !ok {
				tag = &model.Tag{Name: name, Type: tagType}
				counts[name] = tag
				order = append(order, name)
			}
			tag.Count++
		}
	}

	for _, track := range tracks {
		if track.Success() {
			succeeded++
		} else {
			failed++
		}
		count(track.Genres, model.TagTypeGenre)
		count(track.Moods, model.TagTypeMood)
		count(track.Instruments, model.TagTypeInstrument)
	}

	tags := make([]model.Tag, 0, len(order)+2)
	for _, name := range order {
		tags = append(tags, *counts[name])
	}
	sort.SliceStable(tags, func(i, j int) bool {
		return tags[i].Count > tags[j].Count
	})

	return append([]model.Tag{
		{Name: model.TagSuccess, Type: model.TagTypeStatus, Count: succeeded},
		{Name: model.TagFailed, Type: model.TagTypeStatus, Count: failed},
	}, tags...), nil
}
