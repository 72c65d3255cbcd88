package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

type fakeConn struct {
	id         string
	closed     atomic.Bool
	terminated atomic.Bool
	mu         sync.Mutex
	sent       [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Terminate() error {
	c.terminated.Store(true)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	return !c.closed.Load() && !c.terminated.Load()
}

type RegistrySuite struct {
	suite.Suite

	now     time.Time
	mu      sync.Mutex
	evicted []Conn
	reg     *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.now = time.Unix(1700000000, 0)
	s.evicted = nil
	s.reg = New(
		WithNow(func() time.Time { return s.now }),
		WithEvictor(func(conn Conn) {
			s.mu.Lock()
			s.evicted = append(s.evicted, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}),
	)
}

// checkInvariants 校验三个索引之间的一致性。
func (s *RegistrySuite) checkInvariants() {
	r := s.reg
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, sessionID := range r.userSessions {
		state, ok := r.sessions[sessionID]
		s.Require().True(ok, "user %s points to missing session %s", userID, sessionID)
		s.Equal(userID, state.userID)
	}
	for sessionID, state := range r.sessions {
		state.channels.Range(func(channelID string) bool {
			subs, ok := r.channelSubscribers[channelID]
			s.Require().True(ok, "channel %s missing from index", channelID)
			s.True(subs.Contain(sessionID))
			return true
		})
	}
	for channelID, subs := range r.channelSubscribers {
		s.NotZero(subs.Len(), "empty subscriber set for %s", channelID)
		subs.Range(func(sessionID string) bool {
			state, ok := r.sessions[sessionID]
			s.Require().True(ok, "channel %s lists missing session %s", channelID, sessionID)
			s.True(state.channels.Contain(channelID))
			return true
		})
	}
}

func (s *RegistrySuite) TestCreateAndBind() {
	conn := newFakeConn("s1")
	s.Equal("s1", s.reg.CreateSession(conn))
	s.Equal(1, s.reg.Count())

	userID, ok := s.reg.UserID("s1")
	s.True(ok)
	s.Empty(userID)

	s.True(s.reg.BindIdentity("s1", "u1"))
	userID, _ = s.reg.UserID("s1")
	s.Equal("u1", userID)
	sessionID, ok := s.reg.SessionForUser("u1")
	s.True(ok)
	s.Equal("s1", sessionID)
	s.Equal(1, s.reg.IdentifiedCount())

	// 同一用户重复绑定不产生副作用
	s.True(s.reg.BindIdentity("s1", "u1"))
	// 已绑定其他用户的会话不能改绑
	s.False(s.reg.BindIdentity("s1", "u2"))
	_, ok = s.reg.SessionForUser("u2")
	s.False(ok)

	s.False(s.reg.BindIdentity("missing", "u3"))
	_, ok = s.reg.SessionForUser("u3")
	s.False(ok)
	s.Empty(s.evicted)
	s.checkInvariants()
}

func (s *RegistrySuite) TestBindEvictsPreviousSession() {
	first := newFakeConn("s1")
	second := newFakeConn("s2")
	s.reg.CreateSession(first)
	s.reg.CreateSession(second)
	s.True(s.reg.BindIdentity("s1", "u1"))
	s.True(s.reg.Subscribe("s1", "c1"))

	s.True(s.reg.BindIdentity("s2", "u1"))

	s.Require().Len(s.evicted, 1)
	s.Equal("s1", s.evicted[0].ID())
	s.True(first.closed.Load())
	s.False(second.closed.Load())

	_, ok := s.reg.UserID("s1")
	s.False(ok)
	sessionID, _ := s.reg.SessionForUser("u1")
	s.Equal("s2", sessionID)
	s.Equal(0, s.reg.ChannelCount())
	s.Equal(1, s.reg.Count())
	s.checkInvariants()
}

func (s *RegistrySuite) TestSubscribe() {
	a := newFakeConn("a")
	b := newFakeConn("b")
	s.reg.CreateSession(a)
	s.reg.CreateSession(b)

	s.True(s.reg.Subscribe("a", "c1"))
	s.True(s.reg.Subscribe("a", "c1"))
	s.True(s.reg.Subscribe("b", "c1"))
	s.True(s.reg.Subscribe("b", "c2"))
	s.False(s.reg.Subscribe("missing", "c1"))

	s.ElementsMatch([]string{"c1"}, s.reg.Channels("a"))
	s.ElementsMatch([]string{"c1", "c2"}, s.reg.Channels("b"))
	s.Len(s.reg.Subscribers("c1"), 2)
	s.Len(s.reg.Subscribers("c2"), 1)
	s.Empty(s.reg.Subscribers("c3"))

	// 已关闭的连接不再参与投递
	_ = a.Close()
	subs := s.reg.Subscribers("c1")
	s.Require().Len(subs, 1)
	s.Equal("b", subs[0].ID())
	s.checkInvariants()
}

func (s *RegistrySuite) TestDestroyIdempotent() {
	s.reg.CreateSession(newFakeConn("s1"))
	s.reg.BindIdentity("s1", "u1")
	s.reg.Subscribe("s1", "c1")
	s.reg.Subscribe("s1", "c2")

	s.True(s.reg.DestroySession("s1"))
	s.False(s.reg.DestroySession("s1"))

	s.Equal(0, s.reg.Count())
	s.Equal(0, s.reg.IdentifiedCount())
	s.Equal(0, s.reg.ChannelCount())
	s.Empty(s.reg.Snapshot())
	s.Nil(s.reg.Channels("s1"))
	s.False(s.reg.TouchLiveness("s1"))
	s.checkInvariants()
}

func (s *RegistrySuite) TestDestroyKeepsNewerBinding() {
	s.reg.CreateSession(newFakeConn("s1"))
	s.reg.CreateSession(newFakeConn("s2"))
	s.reg.BindIdentity("s1", "u1")
	s.reg.BindIdentity("s2", "u1")

	// s1 已被驱逐，晚到的关闭回调不能删掉 s2 的绑定
	s.False(s.reg.DestroySession("s1"))
	sessionID, ok := s.reg.SessionForUser("u1")
	s.True(ok)
	s.Equal("s2", sessionID)
}

func (s *RegistrySuite) TestEvictIfIdle() {
	conn := newFakeConn("s1")
	s.reg.CreateSession(conn)

	s.now = s.now.Add(10 * time.Second)
	_, ok := s.reg.EvictIfIdle("s1", s.now.Add(-20*time.Second))
	s.False(ok)

	s.now = s.now.Add(10 * time.Second)
	s.True(s.reg.TouchLiveness("s1"))

	_, ok = s.reg.EvictIfIdle("s1", s.now.Add(-time.Second))
	s.False(ok)

	got, ok := s.reg.EvictIfIdle("s1", s.now.Add(time.Second))
	s.True(ok)
	s.Equal(conn, got)
	s.Equal(0, s.reg.Count())

	_, ok = s.reg.EvictIfIdle("s1", s.now.Add(time.Hour))
	s.False(ok)
}

func (s *RegistrySuite) TestRandomOperationsKeepIndicesConsistent() {
	rnd := rand.New(rand.NewSource(42))
	ids := make([]string, 16)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}

	for i := 0; i < 2000; i++ {
		id := ids[rnd.Intn(len(ids))]
		switch rnd.Intn(5) {
		case 0:
			s.reg.CreateSession(newFakeConn(id))
		case 1:
			s.reg.BindIdentity(id, fmt.Sprintf("u%d", rnd.Intn(6)))
		case 2:
			s.reg.Subscribe(id, fmt.Sprintf("c%d", rnd.Intn(5)))
		case 3:
			s.reg.DestroySession(id)
		case 4:
			s.reg.TouchLiveness(id)
		}
		if i%50 == 0 {
			s.checkInvariants()
		}
	}
	s.checkInvariants()
}

func (s *RegistrySuite) TestConcurrentAccess() {
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-%d", w, i%10)
				s.reg.CreateSession(newFakeConn(id))
				s.reg.BindIdentity(id, fmt.Sprintf("u%d", i%4))
				s.reg.Subscribe(id, fmt.Sprintf("c%d", i%3))
				_ = s.reg.Subscribers(fmt.Sprintf("c%d", i%3))
				for _, sid := range s.reg.Snapshot() {
					s.reg.TouchLiveness(sid)
				}
				if i%3 == 0 {
					s.reg.DestroySession(id)
				}
			}
		}(w)
	}
	wg.Wait()
	s.checkInvariants()
	s.LessOrEqual(s.reg.IdentifiedCount(), 4)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
