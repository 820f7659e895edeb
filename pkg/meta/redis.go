// pkg/meta/redis.go

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

/*
	Key layout:

	setting:          JSON of Format
	nextsession:      counter of session ids
	sessions:         sid -> heartbeat (sorted set)
	sessionInfos:     sid -> JSON of SessionInfo (hash)
	sessionSummaries: sid -> JSON of Summary (hash)
	segments$sid:     segment names in recording order (list)
	segmentIndex:     name -> JSON of Segment (hash)
*/

const (
	settingKey       = "setting"
	nextSession      = "nextsession"
	allSessions      = "sessions"
	sessionInfos     = "sessionInfos"
	sessionSummaries = "sessionSummaries"
	segmentIndex     = "segmentIndex"
)

type redisMeta struct {
	sync.Mutex
	conf *Config
	fmt  Format
	rdb  *redis.Client
	sid  uint64
	done chan struct{}
	wg   sync.WaitGroup
}

var _ Meta = &redisMeta{}

func init() {
	redis.SetLogger(redisLogger{utils.GetLogger("redis")})
	Register("redis", newRedisMeta)
	Register("rediss", newRedisMeta)
}

// redisLogger sends the client's own messages to debug level.
type redisLogger struct {
	l interface {
		Debugf(format string, args ...interface{})
	}
}

func (r redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	r.l.Debugf(format, v...)
}

// newRedisMeta return a meta-store using Redis.
func newRedisMeta(driver, addr string, conf *Config) (Meta, error) {
	url := driver + "://" + addr
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %s", url, err)
	}

	var rdb *redis.Client
	if strings.Contains(opt.Addr, ",") {
		var fopt redis.FailoverOptions
		ps := strings.Split(opt.Addr, ",")
		fopt.MasterName = ps[0]
		fopt.SentinelAddrs = ps[1:]
		for i, saddr := range fopt.SentinelAddrs {
			h, p, err := net.SplitHostPort(saddr)
			if err != nil {
				fopt.SentinelAddrs[i] = net.JoinHostPort(saddr, "26379")
			} else if p == "" {
				fopt.SentinelAddrs[i] = net.JoinHostPort(h, "26379")
			}
		}
		fopt.Username = opt.Username
		fopt.Password = opt.Password
		if fopt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
			fopt.Password = os.Getenv("REDIS_PASSWORD")
		}
		fopt.SentinelPassword = os.Getenv("SENTINEL_PASSWORD")
		fopt.DB = opt.DB
		fopt.TLSConfig = opt.TLSConfig
		fopt.MaxRetries = conf.Retries
		fopt.MinRetryBackoff = time.Millisecond * 100
		fopt.MaxRetryBackoff = time.Minute * 1
		fopt.ReadTimeout = time.Second * 30
		fopt.WriteTimeout = time.Second * 5
		rdb = redis.NewFailoverClient(&fopt)
	} else {
		if opt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
			opt.Password = os.Getenv("REDIS_PASSWORD")
		}
		opt.MaxRetries = conf.Retries
		opt.MinRetryBackoff = time.Millisecond * 100
		opt.MaxRetryBackoff = time.Minute * 1
		opt.ReadTimeout = time.Second * 30
		opt.WriteTimeout = time.Second * 5
		rdb = redis.NewClient(opt)
	}

	m := &redisMeta{
		conf: conf,
		rdb:  rdb,
		done: make(chan struct{}),
	}
	m.checkServerConfig()
	return m, nil
}

func (rm *redisMeta) Name() string {
	return "redis"
}

func (rm *redisMeta) checkServerConfig() {
	start := time.Now()
	if err := rm.rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warnf("Ping redis: %s", err)
		return
	}
	logger.Infof("Ping redis: %s", time.Since(start))
}

func (rm *redisMeta) Init(format Format, force bool) error {
	ctx := context.Background()
	body, err := rm.rdb.Get(ctx, settingKey).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil {
		if err = mergeFormat(body, &format, force); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(format, "", "")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	if err = rm.rdb.Set(ctx, settingKey, data, 0).Err(); err != nil {
		return err
	}
	rm.fmt = format
	return nil
}

func (rm *redisMeta) Load() (*Format, error) {
	body, err := rm.rdb.Get(context.Background(), settingKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFormatted
	}
	if err != nil {
		return nil, err
	}
	rm.Lock()
	defer rm.Unlock()
	if err = json.Unmarshal(body, &rm.fmt); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	f := rm.fmt
	return &f, nil
}

func (rm *redisMeta) NewSession(source string) error {
	if rm.conf.ReadOnly {
		return nil
	}
	ctx := context.Background()
	sid, err := rm.rdb.Incr(ctx, nextSession).Result()
	if err != nil {
		return fmt.Errorf("create session: %s", err)
	}
	logger.Debugf("session is %d", sid)
	info, err := newSessionInfo(source)
	if err != nil {
		return fmt.Errorf("new session info: %s", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	key := strconv.FormatInt(sid, 10)
	err = rm.retry(func() error {
		_, err := rm.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, allSessions, redis.Z{Score: float64(time.Now().Unix()), Member: key})
			pipe.HSet(ctx, sessionInfos, key, data)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	rm.Lock()
	rm.sid = uint64(sid)
	rm.Unlock()

	rm.wg.Add(1)
	go rm.refreshSession()
	return nil
}

func (rm *redisMeta) refreshSession() {
	defer rm.wg.Done()
	ticker := time.NewTicker(rm.conf.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-rm.done:
			return
		case <-ticker.C:
		}
		rm.heartbeat()
		if _, err := rm.Load(); err != nil {
			logger.Warnf("reload setting: %s", err)
		}
	}
}

func (rm *redisMeta) heartbeat() {
	sid := rm.currentSid()
	if sid == 0 {
		return
	}
	err := rm.rdb.ZAdd(context.Background(), allSessions, redis.Z{Score: float64(time.Now().Unix()), Member: strconv.FormatUint(sid, 10)}).Err()
	if err != nil {
		logger.Warnf("Heartbeat of session %d: %s", sid, err)
	}
}

func (rm *redisMeta) currentSid() uint64 {
	rm.Lock()
	defer rm.Unlock()
	return rm.sid
}

func (rm *redisMeta) CloseSession(summary *Summary) error {
	sid := rm.currentSid()
	if sid == 0 {
		return ErrNoSession
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	ctx := context.Background()
	key := strconv.FormatUint(sid, 10)
	return rm.retry(func() error {
		_, err := rm.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessionSummaries, key, data)
			pipe.ZAdd(ctx, allSessions, redis.Z{Score: float64(time.Now().Unix()), Member: key})
			return nil
		})
		return err
	})
}

func (rm *redisMeta) getSession(sid string, detail bool) (*Session, error) {
	ctx := context.Background()
	info, err := rm.rdb.HGet(ctx, sessionInfos, sid).Bytes()
	if errors.Is(err, redis.Nil) {
		info = []byte("{}")
	} else if err != nil {
		return nil, fmt.Errorf("HGet %s %s: %s", sessionInfos, sid, err)
	}
	var s Session
	if err := json.Unmarshal(info, &s.SessionInfo); err != nil {
		return nil, fmt.Errorf("corrupted session info; json error: %s", err)
	}
	s.Sid, _ = strconv.ParseUint(sid, 10, 64)
	summary, err := rm.rdb.HGet(ctx, sessionSummaries, sid).Bytes()
	if err == nil {
		s.Summary = &Summary{}
		if err := json.Unmarshal(summary, s.Summary); err != nil {
			return nil, fmt.Errorf("corrupted session summary; json error: %s", err)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("HGet %s %s: %s", sessionSummaries, sid, err)
	}
	if detail {
		if s.Segments, err = rm.ListSegments(s.Sid); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (rm *redisMeta) GetSession(sid uint64) (*Session, error) {
	key := strconv.FormatUint(sid, 10)
	score, err := rm.rdb.ZScore(context.Background(), allSessions, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := rm.getSession(key, true)
	if err != nil {
		return nil, err
	}
	s.Heartbeat = time.Unix(int64(score), 0)
	return s, nil
}

func (rm *redisMeta) ListSessions() ([]*Session, error) {
	keys, err := rm.rdb.ZRangeWithScores(context.Background(), allSessions, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(keys))
	for _, k := range keys {
		s, err := rm.getSession(k.Member.(string), false)
		if err != nil {
			logger.Errorf("get session: %s", err)
			continue
		}
		s.Heartbeat = time.Unix(int64(k.Score), 0)
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (rm *redisMeta) segmentsKey(sid uint64) string {
	return "segments" + strconv.FormatUint(sid, 10)
}

func (rm *redisMeta) AddSegment(seg *Segment) error {
	if rm.conf.ReadOnly {
		return errors.New("read-only client")
	}
	sid := rm.currentSid()
	if sid == 0 {
		return ErrNoSession
	}
	seg.Sid = sid
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	ctx := context.Background()
	old, err := rm.getSegment(ctx, seg.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return rm.retry(func() error {
		_, err := rm.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != nil {
				pipe.LRem(ctx, rm.segmentsKey(old.Sid), 0, seg.Name)
			}
			pipe.HSet(ctx, segmentIndex, seg.Name, data)
			pipe.RPush(ctx, rm.segmentsKey(sid), seg.Name)
			return nil
		})
		return err
	})
}

func (rm *redisMeta) ListSegments(sid uint64) ([]*Segment, error) {
	ctx := context.Background()
	names, err := rm.rdb.LRange(ctx, rm.segmentsKey(sid), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	vals, err := rm.rdb.HMGet(ctx, segmentIndex, names...).Result()
	if err != nil {
		return nil, err
	}
	segs := make([]*Segment, 0, len(vals))
	for i, v := range vals {
		buf, ok := v.(string)
		if !ok {
			logger.Warnf("Segment %s of session %d has no index entry", names[i], sid)
			continue
		}
		var seg Segment
		if err := json.Unmarshal([]byte(buf), &seg); err != nil {
			return nil, fmt.Errorf("corrupted segment %s: %s", names[i], err)
		}
		segs = append(segs, &seg)
	}
	return segs, nil
}

func (rm *redisMeta) getSegment(ctx context.Context, name string) (*Segment, error) {
	buf, err := rm.rdb.HGet(ctx, segmentIndex, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var seg Segment
	if err := json.Unmarshal(buf, &seg); err != nil {
		return nil, fmt.Errorf("corrupted segment %s: %s", name, err)
	}
	return &seg, nil
}

func (rm *redisMeta) GetSegment(name string) (*Segment, error) {
	return rm.getSegment(context.Background(), name)
}

func (rm *redisMeta) RemoveSegment(name string) error {
	ctx := context.Background()
	seg, err := rm.getSegment(ctx, name)
	if err != nil {
		return err
	}
	return rm.retry(func() error {
		_, err := rm.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, segmentIndex, name)
			pipe.LRem(ctx, rm.segmentsKey(seg.Sid), 0, name)
			return nil
		})
		return err
	})
}

func (rm *redisMeta) Shutdown() error {
	select {
	case <-rm.done:
		return nil
	default:
	}
	close(rm.done)
	rm.wg.Wait()
	return rm.rdb.Close()
}

func (rm *redisMeta) retry(f func() error) error {
	var err error
	for i := 0; i < 50; i++ {
		err = f()
		if shouldRetry(err, true) {
			time.Sleep(time.Microsecond * 100 * time.Duration(rand.Int()%(i+1)))
			continue
		}
		return err
	}
	return err
}

type timeoutError interface {
	Timeout() bool
}

func shouldRetry(err error, retryOnFailure bool) bool {
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return true
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return retryOnFailure
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	if v, ok := err.(timeoutError); ok && v.Timeout() {
		return retryOnFailure
	}

	s := err.Error()
	if s == "ERR max number of clients reached" {
		return true
	}
	ps := strings.SplitN(s, " ", 3)
	switch ps[0] {
	case "LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MOVED", "ASK":
		return true
	case "ERR":
		if len(ps) > 1 {
			switch ps[1] {
			case "DISABLE", "NOWRITE", "NOREAD":
				return true
			}
		}
	}
	return false
}
