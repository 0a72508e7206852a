package pathset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsRecursiveAndAuthoritativePaths(t *testing.T) {
	s, err := New([]string{"127.0.0.1:8853"}, []string{"127.0.0.1:8854"})
	require.NoError(t, err)
	defer s.Close()

	paths := s.Paths()
	require.Len(t, paths, 2)
	assert.Equal(t, Recursive, paths[0].Kind)
	assert.Equal(t, Authoritative, paths[1].Kind)
}

func TestNewRejectsEmptySet(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestObserveRTTConverges(t *testing.T) {
	s, err := New([]string{"127.0.0.1:8853"}, nil)
	require.NoError(t, err)
	defer s.Close()

	p := s.Paths()[0]
	for i := 0; i < 50; i++ {
		p.ObserveRTT(40 * time.Millisecond)
	}
	got := p.SmoothedRTT()
	assert.InDelta(t, float64(40*time.Millisecond), float64(got), float64(2*time.Millisecond))
}

func TestMarkEmittedAndCompleted(t *testing.T) {
	s, err := New([]string{"127.0.0.1:8853"}, nil)
	require.NoError(t, err)
	defer s.Close()

	p := s.Paths()[0]
	p.MarkEmitted(120)
	assert.EqualValues(t, 1, p.Inflight())
	p.MarkCompleted(30)
	assert.EqualValues(t, 0, p.Inflight())

	p.MarkEmitted(120)
	p.MarkLoss()
	assert.EqualValues(t, 0, p.Inflight())
	assert.EqualValues(t, 1, p.LossCount())
}

func TestRankPrefersAuthoritativeForData(t *testing.T) {
	s, err := New([]string{"127.0.0.1:8853"}, []string{"127.0.0.1:8854"})
	require.NoError(t, err)
	defer s.Close()

	budget := func(p *Path) int64 { return 10 }
	ranked := s.Rank(true, budget)
	require.Len(t, ranked, 2)
	assert.Equal(t, Authoritative, ranked[0].Kind)

	ranked = s.Rank(false, budget)
	assert.Equal(t, Recursive, ranked[0].Kind)
}
