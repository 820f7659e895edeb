// pkg/meta/tkv.go

package meta

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// tkvClient is an ordered key-value store able to hold the index.
type tkvClient interface {
	name() string
	// get returns nil without error for a missing key.
	get(key string) ([]byte, error)
	set(key string, value []byte) error
	delete(keys ...string) error
	// scan visits keys with prefix in order until handler returns false.
	scan(prefix string, handler func(key string, value []byte) bool) error
	incr(key string) (uint64, error)
	close() error
}

/*
	Key layout:

	setting                      JSON of Format
	nextsession                  counter of session ids
	session/$sid                 JSON of Session without segments
	segment/$sid/$seq            JSON of Segment
	segname/$name                key of the segment named $name
*/

type kvMeta struct {
	sync.Mutex
	conf   *Config
	client tkvClient
	fmt    Format
	sid    uint64
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ Meta = &kvMeta{}

func newKVMeta(client tkvClient, conf *Config) *kvMeta {
	return &kvMeta{conf: conf, client: client, done: make(chan struct{})}
}

func (m *kvMeta) sessionKey(sid uint64) string {
	return fmt.Sprintf("session/%020d", sid)
}

func (m *kvMeta) segmentKey(sid uint64, seq int) string {
	return fmt.Sprintf("segment/%020d/%010d", sid, seq)
}

func (m *kvMeta) segmentPrefix(sid uint64) string {
	return fmt.Sprintf("segment/%020d/", sid)
}

func (m *kvMeta) nameKey(name string) string {
	return "segname/" + name
}

func (m *kvMeta) Name() string {
	return m.client.name()
}

func (m *kvMeta) Init(format Format, force bool) error {
	body, err := m.client.get(settingKey)
	if err != nil {
		return err
	}
	if body != nil {
		if err = mergeFormat(body, &format, force); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(format, "", "")
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	if err = m.client.set(settingKey, data); err != nil {
		return err
	}
	m.Lock()
	m.fmt = format
	m.Unlock()
	return nil
}

func (m *kvMeta) Load() (*Format, error) {
	body, err := m.client.get(settingKey)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNotFormatted
	}
	m.Lock()
	defer m.Unlock()
	if err = json.Unmarshal(body, &m.fmt); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	f := m.fmt
	return &f, nil
}

func (m *kvMeta) NewSession(source string) error {
	if m.conf.ReadOnly {
		return nil
	}
	sid, err := m.client.incr(nextSession)
	if err != nil {
		return fmt.Errorf("create session: %s", err)
	}
	logger.Debugf("session is %d", sid)
	info, err := newSessionInfo(source)
	if err != nil {
		return fmt.Errorf("new session info: %s", err)
	}
	s := &Session{Sid: sid, Heartbeat: time.Now(), SessionInfo: *info}
	if err = m.putSession(s); err != nil {
		return err
	}
	m.Lock()
	m.sid = sid
	m.Unlock()

	m.wg.Add(1)
	go m.refreshSession()
	return nil
}

func (m *kvMeta) putSession(s *Session) error {
	segs := s.Segments
	s.Segments = nil
	data, err := json.Marshal(s)
	s.Segments = segs
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	return m.client.set(m.sessionKey(s.Sid), data)
}

func (m *kvMeta) getSession(sid uint64) (*Session, error) {
	buf, err := m.client.get(m.sessionKey(sid))
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, ErrNotFound
	}
	var s Session
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, fmt.Errorf("corrupted session %d: %s", sid, err)
	}
	return &s, nil
}

// update applies f to the current session under the lock.
func (m *kvMeta) update(f func(s *Session)) error {
	m.Lock()
	defer m.Unlock()
	if m.sid == 0 {
		return ErrNoSession
	}
	s, err := m.getSession(m.sid)
	if err != nil {
		return err
	}
	f(s)
	return m.putSession(s)
}

func (m *kvMeta) refreshSession() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.conf.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		if err := m.update(func(s *Session) { s.Heartbeat = time.Now() }); err != nil {
			logger.Warnf("Heartbeat: %s", err)
		}
	}
}

func (m *kvMeta) CloseSession(summary *Summary) error {
	return m.update(func(s *Session) {
		s.Heartbeat = time.Now()
		s.Summary = summary
	})
}

func (m *kvMeta) GetSession(sid uint64) (*Session, error) {
	s, err := m.getSession(sid)
	if err != nil {
		return nil, err
	}
	if s.Segments, err = m.ListSegments(sid); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *kvMeta) ListSessions() ([]*Session, error) {
	var sessions []*Session
	var serr error
	err := m.client.scan("session/", func(key string, value []byte) bool {
		var s Session
		if serr = json.Unmarshal(value, &s); serr != nil {
			serr = fmt.Errorf("corrupted session %s: %s", key, serr)
			return false
		}
		sessions = append(sessions, &s)
		return true
	})
	if err == nil {
		err = serr
	}
	sortSessions(sessions)
	return sessions, err
}

func (m *kvMeta) AddSegment(seg *Segment) error {
	if m.conf.ReadOnly {
		return errors.New("read-only client")
	}
	m.Lock()
	defer m.Unlock()
	if m.sid == 0 {
		return ErrNoSession
	}
	seg.Sid = m.sid
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	old, err := m.client.get(m.nameKey(seg.Name))
	if err != nil {
		return err
	}
	key := m.segmentKey(seg.Sid, seg.Seq)
	if old != nil && string(old) != key {
		if err = m.client.delete(string(old)); err != nil {
			return err
		}
	}
	if err = m.client.set(key, data); err != nil {
		return err
	}
	return m.client.set(m.nameKey(seg.Name), []byte(key))
}

func (m *kvMeta) ListSegments(sid uint64) ([]*Segment, error) {
	var segs []*Segment
	var serr error
	err := m.client.scan(m.segmentPrefix(sid), func(key string, value []byte) bool {
		var seg Segment
		if serr = json.Unmarshal(value, &seg); serr != nil {
			serr = fmt.Errorf("corrupted segment %s: %s", key, serr)
			return false
		}
		segs = append(segs, &seg)
		return true
	})
	if err == nil {
		err = serr
	}
	return segs, err
}

func (m *kvMeta) segmentOf(name string) (string, *Segment, error) {
	key, err := m.client.get(m.nameKey(name))
	if err != nil {
		return "", nil, err
	}
	if key == nil {
		return "", nil, ErrNotFound
	}
	buf, err := m.client.get(string(key))
	if err != nil {
		return "", nil, err
	}
	if buf == nil {
		return "", nil, ErrNotFound
	}
	var seg Segment
	if err := json.Unmarshal(buf, &seg); err != nil {
		return "", nil, fmt.Errorf("corrupted segment %s: %s", name, err)
	}
	return string(key), &seg, nil
}

func (m *kvMeta) GetSegment(name string) (*Segment, error) {
	_, seg, err := m.segmentOf(name)
	return seg, err
}

func (m *kvMeta) RemoveSegment(name string) error {
	m.Lock()
	defer m.Unlock()
	key, _, err := m.segmentOf(name)
	if err != nil {
		return err
	}
	return m.client.delete(key, m.nameKey(name))
}

func (m *kvMeta) Shutdown() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	m.Unlock()
	close(m.done)
	m.wg.Wait()
	return m.client.close()
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
