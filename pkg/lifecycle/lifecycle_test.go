//go:build linux

package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmq/pkg/shm"
)

type ManagerTestSuite struct {
	suite.Suite
	dir string
	m   *Manager
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.m = NewManager()
}

func (s *ManagerTestSuite) TearDownTest() {
	s.Require().NoError(s.m.Close(true))
}

func (s *ManagerTestSuite) config(name string) *shm.Config {
	config := shm.DefaultConfig()
	config.Name = name
	config.Dir = s.dir
	config.MaxCount = 4
	config.ElementSize = 8
	return config
}

func (s *ManagerTestSuite) TestAttachReturnsSameHandle() {
	q1, err := s.m.Attach(context.Background(), s.config("a"))
	s.Require().NoError(err)
	q2, err := s.m.Attach(context.Background(), s.config("a"))
	s.Require().NoError(err)
	s.Same(q1, q2)
	s.Equal(1, s.m.Len())

	got, ok := s.m.Get("a")
	s.True(ok)
	s.Same(q1, got)
	_, ok = s.m.Get("b")
	s.False(ok)
}

func (s *ManagerTestSuite) TestConcurrentAttach() {
	var wg sync.WaitGroup
	queues := make([]*shm.Queue, 16)
	for i := range queues {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := s.m.Attach(context.Background(), s.config("shared"))
			if err == nil {
				queues[i] = q
			}
		}(i)
	}
	wg.Wait()
	for _, q := range queues {
		s.Same(queues[0], q)
	}
	s.Equal(1, s.m.Len())
}

func (s *ManagerTestSuite) TestNamesAndQueuesSorted() {
	for _, name := range []string{"c", "a", "b"} {
		_, err := s.m.Attach(context.Background(), s.config(name))
		s.Require().NoError(err)
	}
	s.Equal([]string{"a", "b", "c"}, s.m.Names())
	queues := s.m.Queues()
	s.Require().Len(queues, 3)
	s.Equal("a", queues[0].Name())
	s.Equal("c", queues[2].Name())
}

func (s *ManagerTestSuite) TestDetach() {
	q, err := s.m.Attach(context.Background(), s.config("a"))
	s.Require().NoError(err)
	path := q.Path()

	s.Require().NoError(s.m.Detach("a", false))
	s.FileExists(path)
	s.Equal(0, s.m.Len())
	s.ErrorIs(s.m.Detach("a", false), ErrNotAttached)

	q, err = s.m.Attach(context.Background(), s.config("a"))
	s.Require().NoError(err)
	s.False(q.Created())
	s.Require().NoError(s.m.Detach("a", true))
	s.NoFileExists(path)
}

func (s *ManagerTestSuite) TestAttachInvalidConfig() {
	_, err := s.m.Attach(context.Background(), s.config(""))
	s.ErrorIs(err, shm.ErrInvalidConfig)
	s.Equal(0, s.m.Len())
}

func (s *ManagerTestSuite) TestCloseUnlinksAll() {
	var paths []string
	for _, name := range []string{"x", "y"} {
		q, err := s.m.Attach(context.Background(), s.config(name))
		s.Require().NoError(err)
		paths = append(paths, q.Path())
	}
	s.Require().NoError(s.m.Close(true))
	s.Equal(0, s.m.Len())
	for _, p := range paths {
		s.NoFileExists(p)
	}
}
