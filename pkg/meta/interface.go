// pkg/meta/interface.go

package meta

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"SecCam/pkg/utils"
	"SecCam/pkg/version"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("seccam")

var (
	ErrNotFound     = errors.New("not found")
	ErrNotFormatted = errors.New("database is not formatted")
	ErrNoSession    = errors.New("no active session")
)

// Summary is the outcome of a recording session.
type Summary struct {
	Chunks   int           // chunks attempted
	Failed   int           // chunks that failed
	Recorded time.Duration // total duration reported by the producer
	RunTime  time.Duration // wall time of the session
}

// SessionInfo describes the recorder process owning a session.
type SessionInfo struct {
	Version   string
	Hostname  string
	ProcessID int
	Source    string `json:",omitempty"`
	Started   time.Time
}

func newSessionInfo(source string) (*SessionInfo, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		Version:   version.Version(),
		Hostname:  host,
		ProcessID: os.Getpid(),
		Source:    source,
		Started:   time.Now(),
	}, nil
}

// Session is one run of the recorder.
type Session struct {
	Sid       uint64
	Heartbeat time.Time
	SessionInfo
	Summary  *Summary  `json:",omitempty"` // set once the session is closed
	Segments []*Segment `json:",omitempty"`
}

type SegmentStatus string

const (
	SegmentRecorded SegmentStatus = "recorded"
	SegmentFailed   SegmentStatus = "failed"
)

// Segment is one chunk written to its own object.
type Segment struct {
	Sid      uint64
	Seq      int
	Name     string
	Start    time.Time
	Duration time.Duration
	Size     int64
	Status   SegmentStatus
	Error    string `json:",omitempty"`
}

// Meta is the recording index: the volume format, recorder sessions and
// the segments they produced.
type Meta interface {
	// Name of database
	Name() string
	// Init is used to initialize a volume.
	Init(format Format, force bool) error
	// Load loads the existing setting of a formatted volume from meta service.
	Load() (*Format, error)
	// NewSession creates a new session owned by this client.
	NewSession(source string) error
	// CloseSession records the summary of the current session.
	CloseSession(summary *Summary) error
	// GetSession returns a session with its segments.
	GetSession(sid uint64) (*Session, error)
	// ListSessions returns all sessions without segments.
	ListSessions() ([]*Session, error)
	// AddSegment appends a segment to the current session.
	AddSegment(seg *Segment) error
	ListSegments(sid uint64) ([]*Segment, error)
	GetSegment(name string) (*Segment, error)
	RemoveSegment(name string) error
	// Shutdown stops the heartbeat and closes the connection.
	Shutdown() error
}

func sortSessions(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].Sid < ss[j].Sid })
}

// Creator opens a Meta for a driver and an address.
type Creator func(driver, addr string, conf *Config) (Meta, error)

var metaDrivers = make(map[string]Creator)

// Register makes a meta driver available by scheme.
func Register(name string, register Creator) {
	metaDrivers[name] = register
}

// NewClient creates a Meta client for uri, which defaults to the redis
// scheme.
func NewClient(uri string, conf *Config) (Meta, error) {
	if !strings.Contains(uri, "://") {
		uri = "redis://" + uri
	}
	p := strings.Index(uri, "://")
	driver := uri[:p]
	f, ok := metaDrivers[driver]
	if !ok {
		return nil, fmt.Errorf("invalid driver: %s", driver)
	}
	if conf == nil {
		conf = &Config{}
	}
	logger.Debugf("Meta address: %s", utils.RemovePassword(uri))
	return f(driver, uri[p+3:], conf)
}
